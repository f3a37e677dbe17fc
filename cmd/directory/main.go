// Command directory runs the NanoFiles directory service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pion/logging"

	"nanofiles/internal/beacon"
	"nanofiles/internal/directory"
	"nanofiles/internal/dirproto"
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
	port     int
	discard  float64
	purge    bool
	announce bool
	level    string
}

func usage() {
	fmt.Fprintf(os.Stderr, `directory - NanoFiles directory service

Usage:
  directory [flags]

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var o options
	flag.IntVar(&o.port, "port", dirproto.DefaultPort, "UDP port to listen on")
	flag.Float64Var(&o.discard, "discard", 0, "probability in [0,1] of dropping an incoming datagram")
	flag.BoolVar(&o.purge, "purge-on-logout", false, "forget a nick's server and files when it logs out")
	flag.BoolVar(&o.announce, "announce", false, "announce the service on the LAN")
	flag.StringVar(&o.level, "log-level", "info", "error|warn|info|debug|trace")
	flag.Usage = usage
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "directory: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	lvl, ok := levels[strings.ToLower(o.level)]
	if !ok {
		return fmt.Errorf("unknown log level %q", o.level)
	}
	if o.discard < 0 || o.discard > 1 {
		return fmt.Errorf("discard probability must be in [0,1], got %v", o.discard)
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = lvl
	log := lf.NewLogger("main")

	svc, err := directory.Listen(nil, net.JoinHostPort("", strconv.Itoa(o.port)), directory.Config{
		DiscardProbability: o.discard,
		PurgeOnLogout:      o.purge,
		LoggerFactory:      lf,
	})
	if err != nil {
		return fmt.Errorf("cannot bind port %d: %w", o.port, err)
	}

	if o.announce {
		a := beacon.NewAnnouncer(o.port, beacon.Config{LoggerFactory: lf})
		if err := a.Start(); err != nil {
			log.Warnf("LAN announcements disabled: %v", err)
		} else {
			defer a.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("NanoFiles directory  |  %s  |  id %s\n", svc.Addr(), svc.ID())
	fmt.Println("Waiting for requests... (Ctrl-C to stop)")
	if err := svc.Serve(ctx); err != nil {
		return err
	}
	log.Infof("stopped")
	return nil
}
