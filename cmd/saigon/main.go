// Command saigon runs a wallet session against the Saigon lending and staking
// contracts: it tracks balances, serves the dashboard and executes actions.
//
// Usage:
//
//	saigon --config config.yaml
//	saigon --setup
//	saigon --backend simulate --account 0x...
//
// Required environment variables:
//
//	For the rpc backend: SAIGON_PRIVATE_KEY (or the variable named by private_key_env)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vadiminshakov/saigon/config"
	"github.com/vadiminshakov/saigon/internal"
	"github.com/vadiminshakov/saigon/internal/setup"
)

func main() {
	conf, opts, err := config.Get(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if opts.Setup {
		if err := setup.RunTUI(setup.DefaultOutput); err != nil {
			log.Fatal(err)
		}
		if conf, _, err = config.Get([]string{"--config", setup.DefaultOutput}); err != nil {
			log.Fatal(err)
		}
	}

	logger, err := newLogger(conf.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := internal.NewSession(ctx, conf, logger)
	if err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}
	defer session.Close()

	if err := session.Run(ctx); err != nil {
		logger.Error("session stopped", zap.Error(err))
		return
	}
	logger.Info("session stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
