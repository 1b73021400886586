// Klingnet core node daemon.
//
// Usage:
//
//	klingnetd [--conf=path] [--datadir=dir] [--mine --coinbase=addr] [--metrics=addr]
//	klingnetd --help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/klingnet-core/config"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/node"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("klingnetd", flag.ContinueOnError)
	confPath := fs.String("conf", "", "config file (default <datadir>/klingnet.conf)")
	dataDir := fs.String("datadir", config.DefaultDataDir(), "data directory")
	mine := fs.Bool("mine", false, "enable block production")
	coinbase := fs.String("coinbase", "", "address receiving block rewards")
	metricsAddr := fs.String("metrics", "", "serve prometheus metrics on this address")
	initConf := fs.Bool("init", false, "write a default config file and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *confPath
	if path == "" {
		path = filepath.Join(*dataDir, "klingnet.conf")
	}
	if *initConf {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if isFlagSet(fs, "datadir") || cfg.DataDir == "" {
		cfg.DataDir = *dataDir
	}
	if *mine {
		cfg.Mining.Enabled = true
	}
	if *coinbase != "" {
		cfg.Mining.Coinbase = *coinbase
	}

	n, err := node.New(cfg, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return err
	}

	var srv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		klog.Info().Str("addr", *metricsAddr).Msg("Serving metrics")
	}

	<-ctx.Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	n.Stop()
	return nil
}

// isFlagSet reports whether name was given on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
