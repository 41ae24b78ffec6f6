// operatorsim drives a fleet of simulated agents against a handoff server. Each operator logs in over
// REST, holds an agent websocket open with heartbeats, and optionally accepts and completes whatever
// it is assigned.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (settings, string, error) {
	var cfg settings
	var logLevel string

	fs := pflag.NewFlagSet("operatorsim", pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server-url", "http://localhost:8080", "handoff server base URL")
	fs.StringVar(&cfg.Tenant, "tenant", "demo", "tenant the operators belong to")
	fs.StringVar(&cfg.Secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint operator tokens")
	fs.IntVarP(&cfg.Operators, "operators", "n", 5, "number of simulated operators")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", 3, "concurrent sessions per operator")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", 10*time.Second, "heartbeat interval")
	fs.DurationVar(&cfg.HandleTime, "handle-time", 20*time.Second, "how long an operator keeps a handoff before completing it")
	fs.BoolVar(&cfg.AutoAccept, "auto-accept", true, "accept and complete assigned handoffs")
	fs.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return settings{}, "", err
	}
	switch {
	case cfg.Secret == "":
		return settings{}, "", errors.New("--secret (or JWT_SECRET) is required")
	case cfg.Operators < 1:
		return settings{}, "", errors.New("--operators must be at least 1")
	case cfg.MaxSessions < 1:
		return settings{}, "", errors.New("--max-sessions must be at least 1")
	case cfg.Heartbeat <= 0:
		return settings{}, "", errors.New("--heartbeat must be positive")
	}
	return cfg, logLevel, nil
}

func run(args []string) error {
	cfg, logLevel, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "operatorsim").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ops := make([]*operator, 0, cfg.Operators)
	for i := 0; i < cfg.Operators; i++ {
		id := fmt.Sprintf("operator-%03d", i+1)
		token, err := auth.IssueToken(cfg.Secret, auth.Identity{
			TenantID:      cfg.Tenant,
			ParticipantID: id,
			Role:          types.RoleAgent,
			Name:          id,
		}, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint token for %s: %w", id, err)
		}
		ops = append(ops, newOperator(id, token, cfg, logger))
	}

	logger.Info().
		Str("server", cfg.ServerURL).
		Str("tenant", cfg.Tenant).
		Int("operators", cfg.Operators).
		Bool("auto_accept", cfg.AutoAccept).
		Msg("Starting operator simulation")

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *operator) {
			defer wg.Done()
			op.Run(ctx)
		}(op)
	}
	wg.Wait()

	var completed, reconnects int64
	for _, op := range ops {
		completed += op.completed.Load()
		reconnects += op.reconnects.Load()
	}
	logger.Info().Int64("completed", completed).Int64("reconnects", reconnects).Msg("Simulation stopped")
	return nil
}
