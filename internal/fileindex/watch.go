package fileindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settle = 200 * time.Millisecond

// Watch rescans the folder whenever its contents change, until ctx is done.
// Bursts of events are coalesced into one rescan.
func (ix *Index) Watch(ctx context.Context) error {
	if ix.dir == "" {
		return errors.New("fileindex: seeded index has no folder to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := addTree(w, ix.dir); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						ix.log.Warnf("watch %s: %v", ev.Name, err)
					}
				}
			}
			pending = time.After(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ix.log.Warnf("watch %s: %v", ix.dir, err)
		case <-pending:
			pending = nil
			if err := ix.Rescan(); err != nil {
				ix.log.Errorf("rescan %s: %v", ix.dir, err)
			}
		}
	}
}

// addTree watches root and every folder below it, since scan indexes them all.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}
