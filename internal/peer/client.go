package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pion/logging"

	"nanofiles/internal/fileindex"
	"nanofiles/internal/peerproto"
)

const DefaultDialTimeout = 15 * time.Second

var (
	ErrFileExists      = errors.New("peer: local file already exists")
	ErrIntegrity       = errors.New("peer: downloaded content does not match hash")
	ErrUnexpectedReply = errors.New("peer: unexpected reply")
)

// RemoteError is an error reply sent by the serving peer.
type RemoteError struct {
	Code   peerproto.ErrorCode
	Reason string
}

func (e *RemoteError) Error() string {
	return "peer: remote error: " + peerproto.Error{Code: e.Code, Reason: e.Reason}.String()
}

type ClientConfig struct {
	DialTimeout time.Duration
	// Digest recomputes the hash of downloaded files. SHA-1 hex if nil.
	Digest        fileindex.Digest
	LoggerFactory logging.LoggerFactory
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Digest == nil {
		c.Digest = fileindex.SHA1Hex
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}

// Conn is one browse session with a serving peer. It is not safe for
// concurrent use.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	cfg  ClientConfig
	log  logging.LeveledLogger
}

// Dial opens a browse session with the peer listening on addr (host:port).
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Conn{
		conn: c,
		br:   bufio.NewReader(c),
		bw:   bufio.NewWriter(c),
		cfg:  cfg,
		log:  cfg.LoggerFactory.NewLogger("peer"),
	}, nil
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) roundTrip(req peerproto.Message) (peerproto.Message, error) {
	if err := peerproto.WriteMessage(c.bw, req); err != nil {
		return nil, err
	}
	resp, err := peerproto.ReadMessage(c.br)
	if err != nil {
		return nil, err
	}
	if e, ok := resp.(peerproto.Error); ok {
		return nil, &RemoteError{Code: e.Code, Reason: e.Reason}
	}
	return resp, nil
}

// Download fetches the file with the given hash into dest, which must not
// exist yet. The written file is hashed again and removed if it does not
// match.
func (c *Conn) Download(hash, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrFileExists, dest)
	}
	resp, err := c.roundTrip(peerproto.Download{FileHash: hash})
	if err != nil {
		return err
	}
	up, ok := resp.(peerproto.Upload)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Operation())
	}

	if err := writeNew(dest, up.Content); err != nil {
		return err
	}
	got, err := fileindex.HashFile(c.cfg.Digest, dest)
	if err != nil {
		return fmt.Errorf("hash %s: %w", dest, err)
	}
	if got != hash {
		os.Remove(dest)
		return fmt.Errorf("%w: got %s, want %s", ErrIntegrity, got, hash)
	}
	c.log.Debugf("downloaded %s (%d bytes) from %s", dest, len(up.Content), c.conn.RemoteAddr())
	return nil
}

func writeNew(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// ServedFiles asks the peer for the names of the files it serves.
func (c *Conn) ServedFiles() ([]string, error) {
	resp, err := c.roundTrip(peerproto.ServedFiles{})
	if err != nil {
		return nil, err
	}
	sf, ok := resp.(peerproto.ServedFiles)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Operation())
	}
	return sf.Names, nil
}

// Close ends the session and releases the connection.
func (c *Conn) Close() error {
	werr := peerproto.WriteMessage(c.bw, peerproto.Close{})
	cerr := c.conn.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
