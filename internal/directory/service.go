// Package directory implements the rendezvous service peers register with.
//
// One goroutine reads datagrams off a single socket, applies them to the
// registry and answers the sender. Requests are never processed concurrently.
package directory

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/transport/v2"
	"github.com/pion/transport/v2/stdnet"

	"nanofiles/internal/dirproto"
	"nanofiles/internal/fileindex"
)

type Config struct {
	// DiscardProbability drops that fraction of incoming datagrams before
	// they are processed, to simulate an unreliable link.
	DiscardProbability float64
	// Rand drives the discard decision. Seeded from the clock if nil.
	Rand *rand.Rand
	// PurgeOnLogout removes a nickname's server binding and files on logout
	// as well as the nickname.
	PurgeOnLogout bool
	LoggerFactory logging.LoggerFactory
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Service struct {
	conn net.PacketConn
	cfg  Config
	log  logging.LeveledLogger
	id   uuid.UUID
	reg  *registry

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds the service socket on n, the host network when n is nil.
// An addr without a port gets the default directory port.
func Listen(n transport.Net, addr string, cfg Config) (*Service, error) {
	if n == nil {
		var err error
		if n, err = stdnet.NewNet(); err != nil {
			return nil, err
		}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(dirproto.DefaultPort))
	}
	conn, err := n.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewService(conn, cfg), nil
}

// NewService runs the directory on an already bound socket.
func NewService(conn net.PacketConn, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		conn:   conn,
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("directory"),
		id:     uuid.New(),
		reg:    newRegistry(),
		closed: make(chan struct{}),
	}
}

func (s *Service) Addr() net.Addr { return s.conn.LocalAddr() }

// ID identifies this service instance in logs and beacons.
func (s *Service) ID() uuid.UUID { return s.id }

// Close stops Serve.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// Serve processes datagrams until ctx is done or Close is called, in which
// case it returns nil. A bad datagram or a failed reply is logged and the loop
// goes on; a broken socket ends it with the read error.
func (s *Service) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Infof("directory %s listening on %s", s.id, s.conn.LocalAddr())
	buf := make([]byte, dirproto.PacketMaxSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				s.log.Infof("directory %s stopped", s.id)
				return nil
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.log.Errorf("read: %v", err)
			return err
		}
		if p := s.cfg.DiscardProbability; p > 0 && s.cfg.Rand.Float64() < p {
			s.log.Warnf("discarding datagram from %s", from)
			continue
		}
		s.process(buf[:n], from)
	}
}

func (s *Service) process(pkt []byte, from net.Addr) {
	id, req, err := dirproto.Decode(pkt)
	if err != nil {
		s.log.Warnf("bad datagram from %s: %v", from, err)
		return
	}
	resp := s.handle(req, from)
	if resp == nil {
		s.log.Warnf("no handler for %s from %s", req.Opcode(), from)
		return
	}
	out, err := dirproto.Encode(id, resp)
	if err != nil {
		s.log.Errorf("encode %s for %s: %v", resp.Opcode(), from, err)
		return
	}
	if _, err := s.conn.WriteTo(out, from); err != nil {
		s.log.Errorf("reply to %s: %v", from, err)
	}
}

func (s *Service) handle(req dirproto.Message, from net.Addr) dirproto.Message {
	if nick, err := dirproto.Nick(req); err == nil {
		s.log.Tracef("%s from %s (%s)", req.Opcode(), from, nick)
	} else {
		s.log.Tracef("%s from %s", req.Opcode(), from)
	}

	switch req := req.(type) {
	case dirproto.Login:
		return dirproto.LoginOk{ServerCount: s.reg.serverCount()}
	case dirproto.Register:
		if !s.reg.register(req.Nick, s.cfg.Now()) {
			s.log.Debugf("register %q refused", req.Nick)
			return dirproto.RegisterFail{}
		}
		s.log.Debugf("registered %q", req.Nick)
		return dirproto.RegisterOk{}
	case dirproto.GetUsers:
		return dirproto.UserList{Nicks: s.fit("user", s.reg.users())}
	case dirproto.Lookup:
		srv, ok := s.reg.lookup(req.Nick)
		if !ok {
			return dirproto.LookupNotFound{}
		}
		return dirproto.LookupFound{Host: srv.Host, Port: srv.Port}
	case dirproto.GetFiles:
		return dirproto.FileList{Entries: s.fit("file", s.reg.fileEntries())}
	case dirproto.ServeFiles:
		srv := Server{Host: hostOf(from), Port: req.Port}
		added, ok := s.reg.serveFiles(req.Nick, srv, req.Files)
		if !ok {
			s.log.Debugf("serveFiles for %q refused, already serving", req.Nick)
			return dirproto.ServeFilesFail{}
		}
		s.log.Debugf("%q serving at %s, %d of %d file(s) new", req.Nick, srv, added, len(req.Files))
		return dirproto.ServeFilesOk{}
	case dirproto.Logout:
		s.reg.logout(req.Nick, s.cfg.PurgeOnLogout)
		s.log.Debugf("logged out %q", req.Nick)
		return dirproto.LogoutOk{}
	}
	return nil
}

// fit trims a list reply to one datagram.
func (s *Service) fit(kind string, items []string) []string {
	kept, dropped := dirproto.FitList(items)
	if dropped > 0 {
		s.log.Warnf("%s list truncated to %d of %d entries to fit a datagram", kind, len(kept), len(items))
	}
	return kept
}

func hostOf(a net.Addr) string {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// Users returns the registered nicknames, sorted.
func (s *Service) Users() []string { return s.reg.users() }

// Servers returns the published listening addresses by nickname.
func (s *Service) Servers() map[string]Server { return s.reg.snapshotServers() }

// Files returns the shared file descriptors ordered by hash.
func (s *Service) Files() []fileindex.Descriptor { return s.reg.snapshotFiles() }
