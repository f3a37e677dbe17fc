package beacon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Announcer advertises one directory service.
type Announcer struct {
	*node
	port int
}

// NewAnnouncer advertises a directory listening on dirPort.
func NewAnnouncer(dirPort int, cfg Config) *Announcer {
	return &Announcer{node: newNode(cfg, "beacon"), port: dirPort}
}

func (a *Announcer) Start() error {
	if err := a.open(); err != nil {
		return err
	}
	a.log.Infof("announcing directory port %d on %s", a.port, a.group)
	a.announce()
	go a.loop(a.announce, func(m message, srcIP string) {
		if m.T == typeQuery {
			a.log.Debugf("query from %s", srcIP)
			a.announce()
		}
	})
	return nil
}

func (a *Announcer) announce() { a.send(message{T: typeAnnounce, Port: a.port}) }

// Stop says goodbye and closes the socket.
func (a *Announcer) Stop() { a.stop(&message{T: typeBye}) }

// Browser keeps track of the directories announcing themselves.
type Browser struct {
	*node

	mu   sync.Mutex
	dirs map[string]*Directory
	now  func() time.Time
}

func NewBrowser(cfg Config) *Browser {
	return &Browser{node: newNode(cfg, "beacon"), dirs: make(map[string]*Directory), now: time.Now}
}

func (b *Browser) Start() error {
	if err := b.open(); err != nil {
		return err
	}
	go b.loop(func() {}, b.handle)
	b.Query()
	return nil
}

// Query asks every directory to announce itself now.
func (b *Browser) Query() { b.send(message{T: typeQuery}) }

func (b *Browser) Stop() { b.stop(nil) }

func (b *Browser) handle(m message, srcIP string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch m.T {
	case typeBye:
		delete(b.dirs, m.ID)
	case typeAnnounce:
		if m.Port <= 0 {
			return
		}
		b.dirs[m.ID] = &Directory{ID: m.ID, Host: srcIP, Port: m.Port, Seen: b.now()}
	}
}

// Directories returns the directories heard within DirectoryTTL, most recent
// first.
func (b *Browser) Directories() []Directory {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var out []Directory
	for _, d := range b.dirs {
		if now.Sub(d.Seen) < DirectoryTTL {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seen.After(out[j].Seen) })
	return out
}

// ErrNoDirectory is returned by Discover when nothing was heard in time.
var ErrNoDirectory = errors.New("beacon: no directory found")

// Discover listens until a directory announces itself or ctx is done.
func Discover(ctx context.Context, cfg Config) (Directory, error) {
	b := NewBrowser(cfg)
	if err := b.Start(); err != nil {
		return Directory{}, err
	}
	defer b.Stop()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if dirs := b.Directories(); len(dirs) > 0 {
			return dirs[0], nil
		}
		select {
		case <-ctx.Done():
			return Directory{}, ErrNoDirectory
		case <-tick.C:
		}
	}
}
