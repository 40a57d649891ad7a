package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halilibrahimkanpak/eeval/config"
	"github.com/halilibrahimkanpak/eeval/models"
	"github.com/halilibrahimkanpak/eeval/registry"
	"github.com/halilibrahimkanpak/eeval/training"
	"github.com/halilibrahimkanpak/eeval/transport"
)

type options struct {
	configPath   string
	randomParams bool
	seed         int64
}

// parseFlags loads the optional config file, then applies the flags on top.
func parseFlags(args []string) (config.Server, options, error) {
	var opts options
	newFlagSet := func(cfg *config.Server) *flag.FlagSet {
		fs := flag.NewFlagSet("eeval-server", flag.ContinueOnError)
		fs.StringVar(&opts.configPath, "config", "", "JSON configuration file")
		fs.BoolVar(&opts.randomParams, "random-params", false, "Write random parameters for models whose parameter file is missing")
		fs.Int64Var(&opts.seed, "seed", 1, "Seed used by -random-params")
		cfg.RegisterFlags(fs)
		return fs
	}

	cfg := config.Default()
	if err := newFlagSet(&cfg).Parse(args); err != nil {
		return cfg, opts, err
	}
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, opts, err
		}
		if err := newFlagSet(&cfg).Parse(args); err != nil {
			return cfg, opts, err
		}
	}
	return cfg, opts, cfg.Validate()
}

func main() {
	cfg, opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	log := cfg.Logger()
	if err := run(cfg, opts, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg config.Server, opts options, log *logrus.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	reg := models.NewRegistry(cfg.DataDir, log)
	if err := registerModels(reg, cfg, opts, log); err != nil {
		return err
	}

	store, err := registry.Open(registry.Options{TTL: time.Duration(cfg.TTL), Logger: log})
	if err != nil {
		return err
	}
	defer store.Close()

	srv := transport.NewServer(reg, store, training.NewTrainer(store, cfg.Workers, log), transport.ServerOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         log,
	})

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.WithFields(logrus.Fields{"signal": sig.String()}).Info("shutting down")
		srv.Stop()
	}()

	return srv.Serve(lis)
}
