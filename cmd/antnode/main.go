// Command antnode runs one storage/routing node process: the routing
// core, record store, replication engine and payment processor described
// in spec.md §2's component table, plus a read-only HTTP status surface
// (SPEC_FULL.md §8) the antctl lifecycle manager polls.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"antswarm/pkg/config"
	"antswarm/pkg/utils"
)

var osPID = os.Getpid()

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("antnode: fatal error")
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("antnode: .env load failed")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return utils.Wrap(err, "antnode: load config")
	}

	level, err := logrus.ParseLevel(utils.EnvOrDefault("ANTSWARM_LOG_LEVEL", cfg.Logging.Level))
	if err == nil {
		logrus.SetLevel(level)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return utils.Wrap(err, "antnode: construct node")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logrus.Infof("antnode: starting, status endpoint at %s", cfg.Node.StatusAddr)
	return node.Run(ctx)
}
