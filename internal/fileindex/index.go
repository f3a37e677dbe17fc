// Package fileindex keeps the list of files a peer shares from its local folder.
package fileindex

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pion/logging"
)

// Descriptor describes one shared file. Hash identifies the content.
type Descriptor struct {
	Hash string
	Name string
	Path string
	Size int64
}

// Digest computes the content hash of everything read from r.
type Digest func(r io.Reader) (string, error)

// SHA1Hex is the default content hash: lowercase hex SHA-1.
func SHA1Hex(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile runs d over the file at path.
func HashFile(d Digest, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return d(f)
}

// Index is safe for concurrent use. Scan and Watch replace the contents while
// servers read them.
type Index struct {
	dir    string
	digest Digest
	log    logging.LeveledLogger

	mu     sync.RWMutex
	files  []Descriptor
	byHash map[string]int
}

// New builds an index over fixed descriptors. Used for seeded indexes that are
// not backed by a folder scan.
func New(files ...Descriptor) *Index {
	ix := &Index{digest: SHA1Hex, log: logging.NewDefaultLoggerFactory().NewLogger("fileindex")}
	ix.set(files)
	return ix
}

// Open scans dir and returns the resulting index. A nil digest means SHA1Hex, a
// nil factory the pion default.
func Open(dir string, digest Digest, lf logging.LoggerFactory) (*Index, error) {
	if digest == nil {
		digest = SHA1Hex
	}
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	ix := &Index{dir: abs, digest: digest, log: lf.NewLogger("fileindex")}
	if err := ix.Rescan(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Dir returns the scanned folder, empty for seeded indexes.
func (ix *Index) Dir() string { return ix.dir }

// Rescan walks the folder again and swaps in the new file list.
func (ix *Index) Rescan() error {
	if ix.dir == "" {
		return nil
	}
	files, err := scan(ix.dir, ix.digest)
	if err != nil {
		return err
	}
	ix.set(files)
	ix.log.Debugf("indexed %d file(s) in %s", len(files), ix.dir)
	return nil
}

func (ix *Index) set(files []Descriptor) {
	byHash := make(map[string]int, len(files))
	kept := files[:0:0]
	for _, f := range files {
		if _, dup := byHash[f.Hash]; dup {
			continue
		}
		byHash[f.Hash] = len(kept)
		kept = append(kept, f)
	}
	ix.mu.Lock()
	ix.files = kept
	ix.byHash = byHash
	ix.mu.Unlock()
}

// Files returns a copy of the descriptors.
func (ix *Index) Files() []Descriptor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Descriptor, len(ix.files))
	copy(out, ix.files)
	return out
}

// Names returns the served file names in index order.
func (ix *Index) Names() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.files))
	for _, f := range ix.files {
		out = append(out, f.Name)
	}
	return out
}

// Lookup resolves a content hash to the local path of the file.
func (ix *Index) Lookup(hash string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	i, ok := ix.byHash[hash]
	if !ok {
		return "", false
	}
	return ix.files[i].Path, true
}

func scan(dir string, digest Digest) ([]Descriptor, error) {
	var out []Descriptor
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}
		hash, err := HashFile(digest, path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}
		out = append(out, Descriptor{Hash: hash, Name: fi.Name(), Path: path, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
