// Package main runs sealchatd, the end-to-end encrypted messaging daemon.
//
// The daemon serves the JSON API under /api/v1, live event sessions on /ws
// and a health report on /healthz. Configuration comes from an optional
// YAML file and SEALCHAT_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file (optional)")
	help := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *help {
		fmt.Printf("Usage: %s [-config path]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Printf("\nEvery setting may be overridden with %s_<SECTION>_<KEY>, e.g. %s_FANOUT_BACKEND=redis.\n",
			config.EnvPrefix, config.EnvPrefix)
		os.Exit(0)
	}

	opts, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	opts.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"package":  "main",
			"error":    err.Error(),
		}).Error("sealchatd stopped with error")
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains connections.
func run(ctx context.Context, opts *config.Options) error {
	d, err := newDaemon(ctx, opts)
	if err != nil {
		return err
	}
	defer d.close()

	relayCtx, cancelRelays := context.WithCancel(ctx)
	var relays sync.WaitGroup
	for _, relay := range d.relays {
		relays.Add(1)
		go func(run func(context.Context) error) {
			defer relays.Done()
			if err := run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"package":  "main",
					"error":    err.Error(),
				}).Error("Fanout relay stopped")
			}
		}(relay)
	}
	defer func() {
		cancelRelays()
		relays.Wait()
	}()

	srv := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"package":  "main",
			"addr":     opts.ListenAddr,
			"backend":  opts.Fanout.Backend,
			"suite":    opts.Crypto.Suite,
		}).Info("sealchatd listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", opts.ListenAddr, err)
	case <-ctx.Done():
	}

	logrus.WithFields(logrus.Fields{
		"function": "run",
		"package":  "main",
	}).Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
