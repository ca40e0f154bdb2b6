package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/commands"
	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/version"
	"github.com/chitin-dev/chitin-agent/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restoreLogger := log.Replace(log.L().With(zap.String("version", version.Version)))
	defer restoreLogger()

	if err := commands.Root(ctx).Execute(); err != nil {
		stop()
		os.Exit(1)
	}
}
