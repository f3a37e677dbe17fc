package directory

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"nanofiles/internal/dirproto"
	"nanofiles/internal/fileindex"
)

// Server is the listening address a peer published with serveFiles.
type Server struct {
	Host string
	Port int
}

func (s Server) String() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

type sharedFile struct {
	fileindex.Descriptor
	owner string
}

// registry holds the directory state. Only the service loop mutates it; the
// mutex lets tests and status accessors take snapshots concurrently.
type registry struct {
	mu        sync.Mutex
	nicknames map[string]time.Time
	servers   map[string]Server
	files     map[string]sharedFile
}

func newRegistry() *registry {
	return &registry{
		nicknames: make(map[string]time.Time),
		servers:   make(map[string]Server),
		files:     make(map[string]sharedFile),
	}
}

func (r *registry) serverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// register fails for a taken or invalid nickname.
func (r *registry) register(nick string, now time.Time) bool {
	if !dirproto.ValidNick(nick) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.nicknames[nick]; taken {
		return false
	}
	r.nicknames[nick] = now
	return true
}

func (r *registry) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.nicknames))
	for nick := range r.nicknames {
		out = append(out, nick)
	}
	sort.Strings(out)
	return out
}

func (r *registry) lookup(nick string) (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[nick]
	return s, ok
}

func (r *registry) fileEntries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, dirproto.FileEntry(f.Descriptor))
	}
	sort.Strings(out)
	return out
}

func (r *registry) snapshotFiles() []fileindex.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fileindex.Descriptor, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func (r *registry) snapshotServers() map[string]Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Server, len(r.servers))
	for k, v := range r.servers {
		out[k] = v
	}
	return out
}

// serveFiles binds nick to its listening address once. Files whose hash is
// already known keep their first descriptor. It returns how many files were
// added.
func (r *registry) serveFiles(nick string, srv Server, files []fileindex.Descriptor) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, bound := r.servers[nick]; bound {
		return 0, false
	}
	r.servers[nick] = srv
	added := 0
	for _, f := range files {
		if _, dup := r.files[f.Hash]; dup {
			continue
		}
		r.files[f.Hash] = sharedFile{Descriptor: f, owner: nick}
		added++
	}
	return added, true
}

// logout forgets the nickname. With purge it also drops the server binding
// and every file that nickname registered.
func (r *registry) logout(nick string, purge bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nicknames, nick)
	if !purge {
		return
	}
	delete(r.servers, nick)
	for hash, f := range r.files {
		if f.owner == nick {
			delete(r.files, hash)
		}
	}
}
