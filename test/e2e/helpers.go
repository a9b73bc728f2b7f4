package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/todomirror/internal/auth"
	"github.com/hyperengineering/todomirror/internal/feed"
	"github.com/hyperengineering/todomirror/internal/gateway"
	"github.com/hyperengineering/todomirror/internal/remote"
	"github.com/hyperengineering/todomirror/internal/server"
	"github.com/hyperengineering/todomirror/internal/session"
	"github.com/hyperengineering/todomirror/internal/store"
	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

const testSecret = "e2e-test-secret"

// --- In-process backend ---

type testBackend struct {
	srv     *httptest.Server
	store   *store.SQLiteStore
	hub     *server.Hub
	stopHub context.CancelFunc
	issuer  *auth.Issuer
	reg     *prometheus.Registry
}

// startBackend runs the todo backend on an httptest server backed by a
// fresh SQLite database. wrap, when given, sits in front of the router.
func startBackend(t *testing.T, wrap ...func(http.Handler) http.Handler) *testBackend {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "todos.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	reg := prometheus.NewRegistry()
	m := server.NewMetrics(reg)
	hub := server.NewHub(m)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	var handler http.Handler = server.NewRouter(server.NewHandler(s, hub, m, "e2e"), issuer, reg)
	for _, w := range wrap {
		handler = w(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testBackend{srv: srv, store: s, hub: hub, stopHub: cancel, issuer: issuer, reg: reg}
}

func (b *testBackend) url() string {
	return b.srv.URL
}

func (b *testBackend) identity(t *testing.T, user string) auth.Static {
	t.Helper()
	token, err := b.issuer.Issue(user)
	if err != nil {
		t.Fatalf("Issue(%q) error = %v", user, err)
	}
	id, err := auth.FromToken(token, "")
	if err != nil {
		t.Fatalf("FromToken() error = %v", err)
	}
	return id
}

// seed stores records directly, bypassing every client.
func (b *testBackend) seed(t *testing.T, todos ...types.Todo) {
	t.Helper()
	for _, todo := range todos {
		if _, _, _, err := b.store.Create(context.Background(), todo); err != nil {
			t.Fatalf("seed %s: %v", todo.ID, err)
		}
	}
}

func (b *testBackend) stored(t *testing.T) []types.Todo {
	t.Helper()
	todos, err := b.store.Search(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	return todos
}

// --- Clients ---

type clientOptions struct {
	snapshotSize int
	confirmer    gateway.Confirmer
	observer     gateway.Observer
}

// transitions records confirmation states per mutation.
type transitions struct {
	mu     sync.Mutex
	states map[string][]gateway.State
}

func newTransitions() *transitions {
	return &transitions{states: make(map[string][]gateway.State)}
}

func (tr *transitions) observe(m gateway.Mutation, s gateway.State, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states[m.ID] = append(tr.states[m.ID], s)
}

func (tr *transitions) last(id string) (gateway.State, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	states := tr.states[id]
	if len(states) == 0 {
		return 0, false
	}
	return states[len(states)-1], true
}

// openClient opens a session for user against backendURL and waits for its
// snapshot.
func openClient(t *testing.T, backendURL string, identity auth.Identity, opts clientOptions) *session.Session {
	t.Helper()
	s, err := tryOpenClient(t, backendURL, identity, opts)
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	return s
}

func tryOpenClient(t *testing.T, backendURL string, identity auth.Identity, opts clientOptions) (*session.Session, error) {
	t.Helper()
	if opts.snapshotSize == 0 {
		opts.snapshotSize = 1000
	}

	rc := remote.New(backendURL, identity, remote.Options{RequestTimeout: 5 * time.Second})
	streams := feed.StreamerFunc(func(ctx context.Context) (feed.Stream, error) {
		s, err := rc.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	s := session.New(identity, feed.NewAdapter(rc, streams, opts.snapshotSize), rc, session.Options{
		Confirmer:  opts.confirmer,
		Observer:   opts.observer,
		Registerer: prometheus.NewRegistry(),
	})
	t.Cleanup(func() { s.Close() })
	s.Open(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s, s.Ready(ctx)
}

// awaitSubscribers waits until the hub has n live change streams, so writes
// issued afterwards reach every client.
func (b *testBackend) awaitSubscribers(t *testing.T, n int) {
	t.Helper()
	eventually(t, func() bool {
		families, err := b.reg.Gather()
		if err != nil {
			return false
		}
		for _, f := range families {
			if f.GetName() == "todomirror_server_stream_subscribers" {
				return int(f.GetMetric()[0].GetGauge().GetValue()) == n
			}
		}
		return false
	}, "%d stream subscribers", n)
}

// awaitEcho waits until s has applied the backend's broadcast of a record it
// wrote itself, so later local edits are not overtaken by the echo.
func awaitEcho(t *testing.T, s *session.Session, written types.Todo) {
	t.Helper()
	eventually(t, func() bool {
		got, ok := s.Get(written.ID)
		return ok && got.Rev != written.Rev
	}, "echo of %s", written.ID)
}

// --- Assertions ---

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: "+format, args...)
}

func ids(todos []types.Todo) []string {
	out := make([]string, len(todos))
	for i, t := range todos {
		out[i] = t.ID
	}
	return out
}

func sortedIDs(todos []types.Todo) []string {
	out := ids(todos)
	sort.Strings(out)
	return out
}

func sameIDs(a, b []types.Todo) bool {
	x, y := sortedIDs(a), sortedIDs(b)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
