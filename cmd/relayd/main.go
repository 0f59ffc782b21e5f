// Command relayd runs the relay server: it accepts client connections,
// routes encrypted envelopes between identities, and queues messages for
// offline recipients under the configured data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/relayfab/relayfab/relay"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	srv, err := relay.NewServer(relay.Config{
		Addr:    cfg.ListenAddr,
		DataDir: cfg.DataDir,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("server setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}

func newLogger(cfg daemonConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log := logrus.New()
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}
