// Package peer implements both ends of a browse session: the server that
// hands out shared files and the client that downloads them.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/semaphore"

	"nanofiles/internal/peerproto"
)

const (
	DefaultPollInterval = time.Second
	DefaultIdlePolls    = 60
	DefaultMaxConns     = 16
)

var ErrAlreadyRunning = errors.New("peer: server already running")

// Catalog resolves the files a server may hand out.
type Catalog interface {
	Lookup(hash string) (path string, ok bool)
	Names() []string
}

type ServerConfig struct {
	// PollInterval bounds each accept wait so shutdown is noticed.
	PollInterval time.Duration
	// IdlePolls is how many empty polls in a row end a foreground server.
	IdlePolls int
	// MaxConns caps connections served at once in background mode.
	MaxConns      int
	LoggerFactory logging.LoggerFactory
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdlePolls <= 0 {
		c.IdlePolls = DefaultIdlePolls
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}

type Server struct {
	files Catalog
	cfg   ServerConfig
	log   logging.LeveledLogger

	ln      *net.TCPListener
	sem     *semaphore.Weighted
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	conns   map[net.Conn]struct{}
}

func NewServer(files Catalog, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		files:  files,
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("peer"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConns)),
		stopCh: make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the TCP listener, e.g. ":10000" or "127.0.0.1:0".
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln.(*net.TCPListener)
	return nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Port is the bound TCP port, the one to publish to the directory.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// ServeForeground accepts and serves one connection at a time until ctx is
// done, Close is called, or IdlePolls consecutive polls see no connection.
func (s *Server) ServeForeground(ctx context.Context) error {
	if err := s.claim(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	idle := 0
	for {
		conn, err := s.accept()
		if err != nil {
			if s.isStopped() {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if idle++; idle >= s.cfg.IdlePolls {
					s.log.Infof("no connection for %s, stopping", time.Duration(idle)*s.cfg.PollInterval)
					return s.Close()
				}
				continue
			}
			return err
		}
		idle = 0
		s.handleConn(conn)
	}
}

// Start runs the accept loop in the background and returns at once.
// Connections are served concurrently, at most MaxConns at a time.
func (s *Server) Start() error {
	if err := s.claim(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) claim() error {
	if s.ln == nil {
		return errors.New("peer: server not listening")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	return nil
}

func (s *Server) accept() (*net.TCPConn, error) {
	s.ln.SetDeadline(time.Now().Add(s.cfg.PollInterval))
	return s.ln.AcceptTCP()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		conn, err := s.accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.log.Errorf("accept: %v", err)
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Close stops accepting, drops open connections and waits for background
// workers to finish.
func (s *Server) Close() error {
	var err error
	s.stopped.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return err
}

func (s *Server) track(c net.Conn, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		if s.isStopped() {
			return false
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	return true
}

func (s *Server) handleConn(conn *net.TCPConn) {
	defer conn.Close()
	if !s.track(conn, true) {
		return
	}
	defer s.track(conn, false)
	conn.SetNoDelay(true)

	if err := s.session(conn); err != nil && !errors.Is(err, io.EOF) && !s.isStopped() {
		s.log.Warnf("session with %s: %v", conn.RemoteAddr(), err)
	}
}

// session answers requests until the peer sends close or goes away.
func (s *Server) session(conn net.Conn) error {
	s.log.Debugf("session from %s", conn.RemoteAddr())
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	for {
		req, err := peerproto.ReadMessage(br)
		if err != nil {
			if errors.Is(err, peerproto.ErrUnknownOperation) || errors.Is(err, peerproto.ErrMalformed) {
				if werr := peerproto.WriteMessage(bw, peerproto.Error{Code: peerproto.CodeUnsupported, Reason: err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		var resp peerproto.Message
		switch req := req.(type) {
		case peerproto.Close:
			s.log.Debugf("%s closed the session", conn.RemoteAddr())
			return nil
		case peerproto.Download:
			resp = s.download(req.FileHash)
		case peerproto.ServedFiles:
			resp = peerproto.ServedFiles{Names: s.files.Names()}
		default:
			resp = peerproto.Error{Code: peerproto.CodeUnsupported, Reason: fmt.Sprintf("%s is not a request", req.Operation())}
		}
		if err := peerproto.WriteMessage(bw, resp); err != nil {
			return err
		}
	}
}

func (s *Server) download(hash string) peerproto.Message {
	path, ok := s.files.Lookup(hash)
	if !ok {
		return peerproto.Error{Code: peerproto.CodeNotFound, Reason: "no file with hash " + hash}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		s.log.Errorf("read %s: %v", path, err)
		return peerproto.Error{Code: peerproto.CodeFailed, Reason: "cannot read file"}
	}
	s.log.Debugf("uploading %s (%d bytes)", path, len(content))
	return peerproto.Upload{Content: content}
}
