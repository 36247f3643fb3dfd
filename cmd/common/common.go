// Package common provides shared setup for the fedrelay binaries:
//
//   - YAML configuration with flag overrides
//   - the logger, scheme and store built from it
//   - signal handling
package common

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	fedcommon "github.com/flashbots/fedrelay/common"
	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/store"
)

// IsFlagSet reports whether a flag was given on the command line of fs.
func IsFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// Logger builds the process logger for service.
func (c *Config) Logger(service string) *slog.Logger {
	return fedcommon.SetupLogger(&fedcommon.LoggingOpts{
		Debug:   c.Log.Debug,
		JSON:    c.Log.JSON,
		Service: service,
		Version: fedcommon.Version,
	})
}

// Scheme builds the configured encryption scheme.
func (c *Config) Scheme() (crypto.Scheme, error) {
	scheme, err := crypto.New(&c.Crypto)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return scheme, nil
}

// OpenStore builds the relay store on the configured backend and loads any
// persisted state.
func (c *Config) OpenStore(ctx context.Context, log *slog.Logger) (*store.Store, error) {
	var backend store.Backend
	switch c.Storage.Backend {
	case "", "memory":
		backend = store.NewMemoryBackend()
	case "postgres":
		pg, err := store.NewPostgresBackend(&c.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		backend = pg
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	st := store.New(backend, log)
	if err := st.Load(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("loading store: %w", err)
	}
	return st, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Fatal prints err and exits.
func Fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
