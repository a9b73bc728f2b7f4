package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/todomirror/internal/auth"
	"github.com/hyperengineering/todomirror/internal/config"
	"github.com/hyperengineering/todomirror/internal/feed"
	"github.com/hyperengineering/todomirror/internal/gateway"
	"github.com/hyperengineering/todomirror/internal/remote"
	"github.com/hyperengineering/todomirror/internal/session"
	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/spf13/cobra"
)

// failures collects confirmations the backend rejected.
type failures struct {
	mu   sync.Mutex
	errs []error
}

func (f *failures) observe(m gateway.Mutation, s gateway.State, err error) {
	if s != gateway.StateFailed {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, fmt.Errorf("%s %s: %w", m.Op, m.ID, err))
}

func (f *failures) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Join(f.errs...)
}

// client is an open session against the configured backend.
type client struct {
	cfg      *config.Config
	session  *session.Session
	failures *failures
}

// newConfirmer returns the confirmation strategy cfg selects.
func newConfirmer(cfg config.GatewayConfig) gateway.Confirmer {
	if cfg.Strategy == config.StrategyRetry {
		return gateway.Retrying{
			MaxAttempts: uint64(cfg.RetryMaxAttempts),
			BaseDelay:   time.Duration(cfg.RetryBaseDelay),
		}
	}
	return gateway.FireAndForget{}
}

// openClient loads configuration, opens a session and waits for the
// snapshot. The caller must close the returned client.
func openClient(cmd *cobra.Command) (*client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Log, clientLogLevel(cfg.Log), cmd.ErrOrStderr()))

	identity, err := auth.FromToken(cfg.Auth.Token, cfg.Auth.User)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	rc := remote.New(cfg.Backend.URL, identity, remote.Options{
		RequestTimeout: time.Duration(cfg.Backend.RequestTimeout),
		PingInterval:   time.Duration(cfg.Feed.PingInterval),
		PongTimeout:    time.Duration(cfg.Feed.PongTimeout),
	})
	streams := feed.StreamerFunc(func(ctx context.Context) (feed.Stream, error) {
		s, err := rc.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	f := &failures{}
	s := session.New(identity, feed.NewAdapter(rc, streams, cfg.Feed.SnapshotSize), rc, session.Options{
		Confirmer: newConfirmer(cfg.Gateway),
		Observer:  f.observe,
	})
	s.Open(cmd.Context())

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Backend.RequestTimeout))
	defer cancel()
	if err := s.Ready(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("load todos from %s: %w", cfg.Backend.URL, err)
	}
	return &client{cfg: cfg, session: s, failures: f}, nil
}

// close waits for pending confirmations and reports the ones that failed.
func (c *client) close() error {
	c.session.Close()
	return c.failures.err()
}

// find resolves key to a todo by exact id or unique id prefix.
func (c *client) find(key string) (types.Todo, error) {
	if t, ok := c.session.Get(key); ok {
		return t, nil
	}
	var match []types.Todo
	for _, t := range c.session.Todos() {
		if strings.HasPrefix(t.ID, key) {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return types.Todo{}, fmt.Errorf("no todo matches %q", key)
	case 1:
		return match[0], nil
	default:
		return types.Todo{}, fmt.Errorf("%q matches %d todos; use a longer id", key, len(match))
	}
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printTodos writes todos as an aligned table.
func printTodos(out io.Writer, todos []types.Todo) {
	if len(todos) == 0 {
		fmt.Fprintln(out, "No todos.")
		return
	}
	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tDONE\tTITLE\tBY\tCREATED")
	for _, t := range todos {
		done := " "
		if t.Completed {
			done = "x"
		}
		by := t.CreatedBy
		if by == "" {
			by = "-"
		}
		fmt.Fprintf(w, "%s\t[%s]\t%s\t%s\t%s\n",
			t.ID,
			done,
			t.Title,
			by,
			time.UnixMilli(t.CreatedAt).Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}
