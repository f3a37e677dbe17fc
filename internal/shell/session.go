package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"

	"nanofiles/internal/beacon"
	"nanofiles/internal/dirclient"
	"nanofiles/internal/dirproto"
	"nanofiles/internal/fileindex"
	"nanofiles/internal/peer"
)

// State is where a session stands between directory login and browsing.
type State int

const (
	StatePreLogin State = iota
	StatePreRegistration
	StateOffBrowser
	StateInBrowser
	StateTerminated
)

var stateNames = [...]string{"pre-login", "pre-registration", "off-browser", "in-browser", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotAllowed     = errors.New("command not allowed now")
	ErrUsage          = errors.New("usage")
	ErrRefused        = errors.New("refused by directory")
	ErrUnknownPeer    = errors.New("no such peer")
)

// Library is the local file index the session shares from.
type Library interface {
	peer.Catalog
	Files() []fileindex.Descriptor
}

type Config struct {
	Library Library
	// DownloadDir receives downloads. Defaults to the library's folder, or
	// the current directory for a library without one.
	DownloadDir string
	Directory   dirclient.Config
	Peer        peer.ClientConfig
	Server      peer.ServerConfig
	Beacon      beacon.Config
	// DiscoverTimeout bounds a login without a directory address.
	DiscoverTimeout time.Duration
	LoggerFactory   logging.LoggerFactory
}

func (c Config) withDefaults() Config {
	if c.Library == nil {
		c.Library = fileindex.New()
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
		if d, ok := c.Library.(interface{ Dir() string }); ok && d.Dir() != "" {
			c.DownloadDir = d.Dir()
		}
	}
	if c.DiscoverTimeout <= 0 {
		c.DiscoverTimeout = 3 * time.Second
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Directory.LoggerFactory == nil {
		c.Directory.LoggerFactory = c.LoggerFactory
	}
	if c.Peer.LoggerFactory == nil {
		c.Peer.LoggerFactory = c.LoggerFactory
	}
	if c.Server.LoggerFactory == nil {
		c.Server.LoggerFactory = c.LoggerFactory
	}
	if c.Beacon.LoggerFactory == nil {
		c.Beacon.LoggerFactory = c.LoggerFactory
	}
	return c
}

// Session is the client automaton. It owns at most one directory client, one
// browse session and one background file server.
type Session struct {
	cfg Config
	out io.Writer
	log logging.LeveledLogger

	state  State
	nick   string
	dir    *dirclient.Client
	browse *peer.Conn
	target string
	bg     *peer.Server
}

func New(out io.Writer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{cfg: cfg, out: out, log: cfg.LoggerFactory.NewLogger("shell")}
}

func (s *Session) State() State { return s.state }
func (s *Session) Nick() string { return s.nick }

// Prompt reflects whether a browse session is open.
func (s *Session) Prompt() string {
	if s.state == StateInBrowser {
		return "nanofiles/" + s.target + "> "
	}
	return "nanofiles> "
}

func (s *Session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

type handler struct {
	usage   string
	minArgs int
	maxArgs int
	allowed func(State) bool
	run     func(s *Session, ctx context.Context, args []string) error
	help    string
}

func in(states ...State) func(State) bool {
	return func(st State) bool {
		for _, x := range states {
			if st == x {
				return true
			}
		}
		return false
	}
}

func notIn(states ...State) func(State) bool {
	f := in(states...)
	return func(st State) bool { return !f(st) }
}

var (
	general  = notIn(StateInBrowser, StateTerminated)
	loggedIn = in(StatePreRegistration, StateOffBrowser)
	anyState = notIn(StateTerminated)
)

var handlers map[string]handler

var order = []string{
	"login", "register", "userlist", "filelist", "myfiles", "fgserve", "bgserve",
	"browse", "files", "download", "close", "help", "quit",
}

func init() {
	handlers = map[string]handler{
		"login": {"login [host[:port]]", 0, 1, in(StatePreLogin), (*Session).login,
			"Log in to a directory (found on the LAN if no host is given)"},
		"register": {"register <nick>", 1, 1, loggedIn, (*Session).register,
			"Register a nickname"},
		"userlist": {"userlist", 0, 0, loggedIn, (*Session).userList,
			"List registered nicknames"},
		"filelist": {"filelist", 0, 0, loggedIn, (*Session).fileList,
			"List files shared through the directory"},
		"myfiles": {"myfiles", 0, 0, general, (*Session).myFiles,
			"List local shared files"},
		"fgserve": {"fgserve <port>", 1, 1, in(StateOffBrowser), (*Session).fgServe,
			"Serve files in the foreground until idle"},
		"bgserve": {"bgserve <port>", 1, 1, in(StateOffBrowser), (*Session).bgServe,
			"Serve files in the background"},
		"browse": {"browse <nick|host:port>", 1, 1, in(StateOffBrowser), (*Session).enterBrowser,
			"Open a browse session with a peer"},
		"files": {"files", 0, 0, in(StateInBrowser), (*Session).servedFiles,
			"List the files the browsed peer serves"},
		"download": {"download <hash> <localName>", 2, 2, in(StateInBrowser), (*Session).download,
			"Download a file from the browsed peer"},
		"close": {"close", 0, 0, in(StateInBrowser), (*Session).closeBrowser,
			"Leave the browse session"},
		"help": {"help", 0, 0, anyState, (*Session).help,
			"Show this message"},
		"quit": {"quit", 0, 0, func(State) bool { return true }, (*Session).quit,
			"Log out and exit"},
	}
	handlers["serve"] = handlers["bgserve"]
}

// Execute runs one command. A command the current state does not allow is
// rejected with ErrNotAllowed and leaves the state as it was.
func (s *Session) Execute(ctx context.Context, cmd Command) error {
	h, ok := handlers[cmd.Name]
	if !ok {
		return fmt.Errorf("%w: %q (type 'help')", ErrUnknownCommand, cmd.Name)
	}
	if !h.allowed(s.state) {
		return fmt.Errorf("%w: %s while %s", ErrNotAllowed, cmd.Name, s.state)
	}
	if n := len(cmd.Args); n < h.minArgs || n > h.maxArgs {
		return fmt.Errorf("%w: %s", ErrUsage, h.usage)
	}
	return h.run(s, ctx, cmd.Args)
}

// Run executes commands from src until quit or the end of input, which quits
// as well. Command failures are printed and do not end the loop.
func (s *Session) Run(ctx context.Context, src Source) error {
	for s.state != StateTerminated {
		cmd, err := src.Next()
		if err != nil {
			s.quit(ctx, nil)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := s.Execute(ctx, cmd); err != nil {
			s.printf("  Error: %v\n", err)
		}
	}
	return nil
}

func (s *Session) login(ctx context.Context, args []string) error {
	var host string
	if len(args) == 1 {
		host = args[0]
	} else {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoverTimeout)
		d, err := beacon.Discover(dctx, s.cfg.Beacon)
		cancel()
		if err != nil {
			return err
		}
		s.printf("  Found directory %s\n", d.Addr())
		host = d.Addr()
	}
	c, err := dirclient.Dial(host, s.cfg.Directory)
	if err != nil {
		return err
	}
	n, err := c.Login()
	if err != nil {
		c.Close()
		return err
	}
	s.dir = c
	s.state = StatePreRegistration
	s.printf("  Logged in to %s  (%d peer(s) serving files)\n", c.RemoteAddr(), n)
	return nil
}

func (s *Session) register(_ context.Context, args []string) error {
	nick := args[0]
	if !dirproto.ValidNick(nick) {
		return fmt.Errorf("invalid nickname %q: must be non-empty without ':' or spaces", nick)
	}
	ok, err := s.dir.Register(nick)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: nickname %q is taken", ErrRefused, nick)
	}
	if prev := s.nick; prev != "" {
		if err := s.dir.Release(prev); err != nil {
			s.printf("  Warning: %s is still registered: %v\n", prev, err)
		}
	}
	s.nick = nick
	s.state = StateOffBrowser
	s.printf("  Registered as %s\n", nick)
	return nil
}

func (s *Session) userList(context.Context, []string) error {
	users, err := s.dir.UserList()
	if err != nil {
		return err
	}
	if len(users) == 0 {
		s.printf("  No registered users\n")
		return nil
	}
	s.printf("\n  %-20s\n  %s\n", "NICK", strings.Repeat("-", 20))
	for _, u := range users {
		s.printf("  %-20s\n", u)
	}
	s.printf("\n")
	return nil
}

func (s *Session) fileList(context.Context, []string) error {
	entries, err := s.dir.FileList()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		s.printf("  No files shared yet\n")
		return nil
	}
	s.printf("\n  %-40s  %-10s  %s\n  %s\n", "HASH", "SIZE", "NAME", strings.Repeat("-", 70))
	for _, e := range entries {
		name, size, hash, err := dirproto.ParseFileEntry(e)
		if err != nil {
			s.log.Warnf("%v", err)
			continue
		}
		s.printf("  %-40s  %-10s  %s\n", hash, fmtSize(float64(size)), name)
	}
	s.printf("\n")
	return nil
}

func (s *Session) myFiles(context.Context, []string) error {
	files := s.cfg.Library.Files()
	if len(files) == 0 {
		s.printf("  Shared folder is empty\n")
		return nil
	}
	s.printf("\n  %-40s  %-10s  %s\n  %s\n", "HASH", "SIZE", "NAME", strings.Repeat("-", 70))
	for _, f := range files {
		s.printf("  %-40s  %-10s  %s\n", f.Hash, fmtSize(float64(f.Size)), f.Name)
	}
	s.printf("\n")
	return nil
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrUsage, arg)
	}
	return port, nil
}

// publish tells the directory which port s serves the library on.
func (s *Session) publish(srv *peer.Server) {
	ok, err := s.dir.ServeFiles(s.nick, srv.Port(), s.cfg.Library.Files())
	switch {
	case err != nil:
		s.printf("  Warning: could not publish files: %v\n", err)
	case !ok:
		s.printf("  Warning: directory refused the file list (%s already serving)\n", s.nick)
	default:
		s.printf("  Published %d file(s) on port %d\n", len(s.cfg.Library.Files()), srv.Port())
	}
}

func (s *Session) fgServe(ctx context.Context, args []string) error {
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	srv := peer.NewServer(s.cfg.Library, s.cfg.Server)
	if err := srv.Listen(":" + strconv.Itoa(port)); err != nil {
		return err
	}
	s.publish(srv)
	s.printf("  Serving in the foreground on port %d\n", srv.Port())
	if err := srv.ServeForeground(ctx); err != nil {
		return err
	}
	s.printf("  Foreground server stopped\n")
	return nil
}

func (s *Session) bgServe(_ context.Context, args []string) error {
	if s.bg != nil {
		s.printf("  Server already running on port %d\n", s.bg.Port())
		return nil
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	srv := peer.NewServer(s.cfg.Library, s.cfg.Server)
	if err := srv.Listen(":" + strconv.Itoa(port)); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Close()
		return err
	}
	s.bg = srv
	s.printf("  Server running in the background on port %d\n", srv.Port())
	s.publish(srv)
	return nil
}

// BackgroundServer is the running background server, nil if none.
func (s *Session) BackgroundServer() *peer.Server { return s.bg }

// resolve turns a browse target into host:port. Anything shaped like
// host:port with a numeric port is dialled as is, the rest is looked up.
func (s *Session) resolve(target string) (string, error) {
	if host, port, err := net.SplitHostPort(target); err == nil && host != "" {
		if _, perr := parsePort(port); perr == nil {
			return target, nil
		}
	}
	addr, found, err := s.dir.Lookup(target)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %q is not serving files", ErrUnknownPeer, target)
	}
	return addr, nil
}

func (s *Session) enterBrowser(ctx context.Context, args []string) error {
	addr, err := s.resolve(args[0])
	if err != nil {
		return err
	}
	c, err := peer.Dial(ctx, addr, s.cfg.Peer)
	if err != nil {
		return fmt.Errorf("cannot browse %s: %w", args[0], err)
	}
	s.browse, s.target = c, args[0]
	s.state = StateInBrowser
	s.printf("  Browsing files from %s  [%s]\n", args[0], addr)
	return nil
}

func (s *Session) servedFiles(context.Context, []string) error {
	names, err := s.browse.ServedFiles()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		s.printf("  %s serves no files\n", s.target)
		return nil
	}
	for _, n := range names {
		s.printf("  %s\n", n)
	}
	return nil
}

func (s *Session) download(_ context.Context, args []string) error {
	hash, name := args[0], args[1]
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: local name must be a plain file name", ErrUsage)
	}
	dest := filepath.Join(s.cfg.DownloadDir, name)
	if err := s.browse.Download(hash, dest); err != nil {
		return err
	}
	if r, ok := s.cfg.Library.(interface{ Rescan() error }); ok {
		if err := r.Rescan(); err != nil {
			s.log.Warnf("rescan after download: %v", err)
		}
	}
	s.printf("  OK saved -> %s\n", dest)
	return nil
}

func (s *Session) closeBrowser(context.Context, []string) error {
	err := s.browse.Close()
	s.browse, s.target = nil, ""
	s.state = StateOffBrowser
	s.printf("  Left the browser\n")
	if err != nil {
		s.log.Debugf("close browse session: %v", err)
	}
	return nil
}

func (s *Session) help(context.Context, []string) error {
	s.printf("\nCommands:\n")
	for _, name := range order {
		h := handlers[name]
		s.printf("  %-30s  %s\n", h.usage, h.help)
	}
	s.printf("\n")
	return nil
}

// quit tears everything down. Failures are logged, never returned.
func (s *Session) quit(context.Context, []string) error {
	if s.state == StateTerminated {
		return nil
	}
	if s.browse != nil {
		if err := s.browse.Close(); err != nil {
			s.log.Debugf("close browse session: %v", err)
		}
		s.browse = nil
	}
	if s.bg != nil {
		s.bg.Close()
		s.bg = nil
	}
	if s.dir != nil {
		var err error
		if s.nick != "" {
			err = s.dir.Logout(s.nick)
		} else {
			err = s.dir.Close()
		}
		if err != nil {
			s.log.Warnf("logout: %v", err)
		}
		s.dir = nil
	}
	s.state = StateTerminated
	s.printf("\nBye.\n")
	return nil
}

func fmtSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%.1f TB", n)
}
