// Package beacon lets a directory service announce itself on the local
// network so peers can log in without knowing its address.
//
// Announcements are small JSON datagrams sent to a multicast group:
//
//	{"t":"AN","id":"<uuid>","port":6868,"v":1}   directory is alive
//	{"t":"QR","id":"<uuid>","v":1}               peer asks directories to announce now
//	{"t":"BY","id":"<uuid>","v":1}               directory is going away
package beacon

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup    = "239.255.42.68"
	DefaultPort     = 6869
	DefaultInterval = 5 * time.Second
	DirectoryTTL    = 30 * time.Second

	pollInterval = 500 * time.Millisecond
	version      = 1
)

const (
	typeAnnounce = "AN"
	typeQuery    = "QR"
	typeBye      = "BY"
)

type Config struct {
	Group         string
	Port          int
	Interval      time.Duration
	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}

type message struct {
	T    string `json:"t"`
	ID   string `json:"id"`
	Port int    `json:"port,omitempty"`
	V    int    `json:"v"`
}

// node is the multicast socket shared by announcers and browsers.
type node struct {
	id  string
	cfg Config
	log logging.LeveledLogger

	conn   *net.UDPConn
	group  *net.UDPAddr
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newNode(cfg Config, scope string) *node {
	cfg = cfg.withDefaults()
	return &node{
		id:     uuid.NewString(),
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger(scope),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (n *node) open() error {
	ip := net.ParseIP(n.cfg.Group)
	if ip == nil || !ip.IsMulticast() {
		return errors.New("beacon: not a multicast group: " + n.cfg.Group)
	}
	n.group = &net.UDPAddr{IP: ip, Port: n.cfg.Port}
	iface, _ := bestInterface()
	conn, err := net.ListenMulticastUDP("udp4", iface, n.group)
	if err != nil {
		return err
	}
	n.conn = conn

	pc := ipv4.NewPacketConn(conn)
	if iface == nil {
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: ip})
		}
	}
	pc.SetMulticastTTL(4)
	pc.SetMulticastLoopback(true)
	return nil
}

// bestInterface picks the first non-loopback interface that is up and has
// an address. Nil means join on every interface.
func bestInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if _, ok := addr.(*net.IPNet); ok {
				return &iface, nil
			}
		}
	}
	return nil, nil
}

func (n *node) send(m message) {
	m.ID = n.id
	m.V = version
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if _, err := n.conn.WriteTo(data, n.group); err != nil {
		n.log.Debugf("send %s: %v", m.T, err)
	}
}

// loop reads datagrams until stop, calling tick every interval and handle for
// every well-formed message from another node.
func (n *node) loop(tick func(), handle func(m message, srcIP string)) {
	defer close(n.done)
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()
	buf := make([]byte, 2048)
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			tick()
		default:
			n.conn.SetReadDeadline(time.Now().Add(pollInterval))
			cnt, src, err := n.conn.ReadFromUDP(buf)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					continue
				}
				return
			}
			var m message
			if json.Unmarshal(buf[:cnt], &m) != nil || m.ID == n.id {
				continue
			}
			handle(m, src.IP.String())
		}
	}
}

func (n *node) stop(last *message) {
	n.once.Do(func() {
		close(n.stopCh)
		if n.conn == nil {
			close(n.done)
			return
		}
		<-n.done
		if last != nil {
			n.send(*last)
		}
		n.conn.Close()
	})
}

// Directory is a directory service heard on the network.
type Directory struct {
	ID   string
	Host string
	Port int
	Seen time.Time
}

func (d Directory) Addr() string { return net.JoinHostPort(d.Host, strconv.Itoa(d.Port)) }
