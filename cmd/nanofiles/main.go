// Command nanofiles is the interactive NanoFiles peer: it logs in to a
// directory, shares a folder and downloads from other peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pion/logging"

	"nanofiles/internal/dirclient"
	"nanofiles/internal/dirproto"
	"nanofiles/internal/fileindex"
	"nanofiles/internal/shell"
)

var levels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

type options struct {
	shared  string
	dirPort int
	level   string
	watch   bool
}

func usage() {
	fmt.Fprintf(os.Stderr, `nanofiles - share a folder with peers found through a directory

Usage:
  nanofiles [flags]

Type 'help' at the prompt for the list of commands.

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var o options
	flag.StringVar(&o.shared, "shared", "./shared", "folder to share; downloads are saved here too")
	flag.IntVar(&o.dirPort, "directory-port", dirproto.DefaultPort, "directory port used when login gives none")
	flag.StringVar(&o.level, "log-level", "warn", "error|warn|info|debug|trace")
	flag.BoolVar(&o.watch, "watch", true, "rescan the shared folder when it changes")
	flag.Usage = usage
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "nanofiles: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	lvl, ok := levels[strings.ToLower(o.level)]
	if !ok {
		return fmt.Errorf("unknown log level %q", o.level)
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = lvl
	log := lf.NewLogger("main")

	if err := os.MkdirAll(o.shared, 0o755); err != nil {
		return err
	}
	ix, err := fileindex.Open(o.shared, nil, lf)
	if err != nil {
		return fmt.Errorf("index %s: %w", o.shared, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if o.watch {
		go func() {
			if err := ix.Watch(ctx); err != nil {
				log.Warnf("watching %s: %v", ix.Dir(), err)
			}
		}()
	}

	fmt.Printf("NanoFiles  |  sharing %d file(s) from %s\n", len(ix.Files()), ix.Dir())
	fmt.Println("Type 'help' for commands.")
	s := shell.New(os.Stdout, shell.Config{
		Library:       ix,
		Directory:     dirclient.Config{Port: o.dirPort},
		LoggerFactory: lf,
	})
	return s.Run(ctx, shell.NewLineSource(os.Stdin, os.Stdout, s.Prompt))
}
