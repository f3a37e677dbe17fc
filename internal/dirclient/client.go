// Package dirclient talks to a directory service over UDP.
//
// Every call sends a request and waits Timeout for the answer, resending the
// same datagram up to MaxAttempts times in total. Requests carry an id the
// service echoes back, so a late answer to an earlier call is discarded
// instead of being taken for the current one.
package dirclient

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v2"
	"github.com/pion/transport/v2/stdnet"

	"nanofiles/internal/dirproto"
	"nanofiles/internal/fileindex"
)

const (
	DefaultTimeout     = time.Second
	DefaultMaxAttempts = 5
)

var (
	ErrNoResponse         = errors.New("dirclient: directory did not answer")
	ErrUnexpectedResponse = errors.New("dirclient: unexpected response")
	ErrInvalidNick        = errors.New("dirclient: invalid nickname")
	ErrClosed             = errors.New("dirclient: client closed")

	errTimeout = errors.New("timed out")
)

type Config struct {
	// Net opens the socket. The host network if nil.
	Net           transport.Net
	// Port is used for addresses that carry none. Defaults to 6868.
	Port          int
	Timeout       time.Duration
	MaxAttempts   int
	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() (Config, error) {
	if c.Net == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return c, err
		}
		c.Net = n
	}
	if c.Port <= 0 {
		c.Port = dirproto.DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c, nil
}

// Client is safe for concurrent use; calls are serialized.
type Client struct {
	cfg  Config
	log  logging.LeveledLogger
	conn transport.UDPConn

	mu     sync.Mutex
	nextID uint32
	closed bool
	buf    []byte
}

// Dial resolves the directory address once and opens the client socket. An
// address without a port uses Config.Port.
func Dial(addr string, cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(cfg.Port))
	}
	raddr, err := cfg.Net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve directory %s: %w", addr, err)
	}
	conn, err := cfg.Net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial directory %s: %w", addr, err)
	}
	return &Client{
		cfg:  cfg,
		log:  cfg.LoggerFactory.NewLogger("dirclient"),
		conn: conn,
		buf:  make([]byte, dirproto.PacketMaxSize),
	}, nil
}

// RemoteAddr is the directory address the client was dialled to.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// call performs one request/response exchange with retries.
func (c *Client) call(req dirproto.Message) (dirproto.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	pkt, err := dirproto.Encode(id, req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if _, err := c.conn.Write(pkt); err != nil {
			c.log.Warnf("%s #%d attempt %d: send: %v", req.Opcode(), id, attempt, err)
			continue
		}
		resp, err := c.await(id, time.Now().Add(c.cfg.Timeout))
		if err == nil {
			return resp, nil
		}
		c.log.Debugf("%s #%d attempt %d/%d: %v", req.Opcode(), id, attempt, c.cfg.MaxAttempts, err)
	}
	return nil, fmt.Errorf("%s: %w after %d attempts", req.Opcode(), ErrNoResponse, c.cfg.MaxAttempts)
}

// await reads until a reply carrying id arrives or the deadline passes.
// Replies to other ids are stale and skipped.
func (c *Client) await(id uint32, deadline time.Time) (dirproto.Message, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, errTimeout
			}
			// a refused datagram can surface here; wait out the attempt
			if time.Now().Before(deadline) {
				time.Sleep(time.Until(deadline))
			}
			return nil, err
		}
		rid, resp, err := dirproto.Decode(c.buf[:n])
		if err != nil {
			c.log.Warnf("undecodable reply: %v", err)
			continue
		}
		if rid != id {
			c.log.Debugf("discarding stale %s #%d while waiting for #%d", resp.Opcode(), rid, id)
			continue
		}
		return resp, nil
	}
}

func unexpected(resp dirproto.Message) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Opcode())
}

// Login checks the directory is reachable and returns how many peers are
// serving files.
func (c *Client) Login() (int, error) {
	resp, err := c.call(dirproto.Login{})
	if err != nil {
		return 0, err
	}
	n, err := dirproto.ServerCount(resp)
	if err != nil {
		return 0, unexpected(resp)
	}
	return n, nil
}

// Register claims nick. False without error means the directory refused it.
func (c *Client) Register(nick string) (bool, error) {
	if !dirproto.ValidNick(nick) {
		return false, fmt.Errorf("%w: %q", ErrInvalidNick, nick)
	}
	resp, err := c.call(dirproto.Register{Nick: nick})
	if err != nil {
		return false, err
	}
	switch resp.(type) {
	case dirproto.RegisterOk:
		return true, nil
	case dirproto.RegisterFail:
		return false, nil
	}
	return false, unexpected(resp)
}

// Lookup returns the host:port nick serves files on.
func (c *Client) Lookup(nick string) (string, bool, error) {
	resp, err := c.call(dirproto.Lookup{Nick: nick})
	if err != nil {
		return "", false, err
	}
	if _, ok := resp.(dirproto.LookupNotFound); ok {
		return "", false, nil
	}
	addr, err := dirproto.Addr(resp)
	if err != nil {
		return "", false, unexpected(resp)
	}
	return addr, true, nil
}

func (c *Client) UserList() ([]string, error) {
	resp, err := c.call(dirproto.GetUsers{})
	if err != nil {
		return nil, err
	}
	if _, ok := resp.(dirproto.UserList); !ok {
		return nil, unexpected(resp)
	}
	return dirproto.Entries(resp)
}

// FileList returns the "name;size;hash" entries of every shared file.
func (c *Client) FileList() ([]string, error) {
	resp, err := c.call(dirproto.GetFiles{})
	if err != nil {
		return nil, err
	}
	if _, ok := resp.(dirproto.FileList); !ok {
		return nil, unexpected(resp)
	}
	return dirproto.Entries(resp)
}

// ServeFiles publishes the port nick listens on and the files it shares.
func (c *Client) ServeFiles(nick string, port int, files []fileindex.Descriptor) (bool, error) {
	resp, err := c.call(dirproto.ServeFiles{Nick: nick, Port: port, Files: files})
	if err != nil {
		return false, err
	}
	switch resp.(type) {
	case dirproto.ServeFilesOk:
		return true, nil
	case dirproto.ServeFilesFail:
		return false, nil
	}
	return false, unexpected(resp)
}

// Release gives up nick and keeps the client open, waiting for the answer
// like any other call.
func (c *Client) Release(nick string) error {
	resp, err := c.call(dirproto.Logout{Nick: nick})
	if err != nil {
		return err
	}
	if _, ok := resp.(dirproto.LogoutOk); !ok {
		return unexpected(resp)
	}
	return nil
}

// Logout sends a single logout datagram without waiting for the answer and
// closes the client.
func (c *Client) Logout(nick string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	pkt, err := dirproto.Encode(c.nextID, dirproto.Logout{Nick: nick})
	c.mu.Unlock()
	if err == nil {
		if _, werr := c.conn.Write(pkt); werr != nil {
			err = werr
		}
	}
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}
