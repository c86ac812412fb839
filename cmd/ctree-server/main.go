// ctree-server hosts one replicated text document per browser frontend.
//
// Each frontend edits its own replica by sending edit scripts to /edit. Frontends are created by
// forking an existing one (/fork) or by restoring a snapshot (/restore), and exchange edits by
// merging replicas (/sync). Replicas may be inspected at a past version (/view), exported as
// compressed snapshots (/snapshot), and their sizes are exported as Prometheus metrics (/metrics).
//
// Configuration is read from the YAML file given by --config, if any, and overridden by flags:
//
//	listen: ":8009"
//	static_dir: ./static
//	debug_dir: ./debug
//	debug:
//	  enabled: true
//	  file: log.jsonl
//	log:
//	  level: debug
//	  format: json
//	snapshot:
//	  compression: lz4
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	var debug *debugLog
	if cfg.Debug.Enabled {
		if debug, err = openDebugLog(cfg.Debug.File, logger); err != nil {
			logger.Error("opening debug file", "error", err)
		}
	}
	defer debug.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s := newServer(cfg, logger, reg, debug)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(cfg, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", cfg.Listen, "compression", cfg.Compression())
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
