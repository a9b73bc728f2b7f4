// Package session wires the mirror, the change feed and the mutation
// gateway together and runs every change to the collection on one
// goroutine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hyperengineering/todomirror/internal/auth"
	"github.com/hyperengineering/todomirror/internal/feed"
	"github.com/hyperengineering/todomirror/internal/gateway"
	"github.com/hyperengineering/todomirror/internal/mirror"
	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotOpen is returned by mutations issued before Open.
	ErrNotOpen = errors.New("session not open")
	// ErrClosed is returned by mutations issued after Close.
	ErrClosed = errors.New("session closed")
)

// Options tunes a Session.
type Options struct {
	// Confirmer defaults to gateway.FireAndForget.
	Confirmer gateway.Confirmer
	// Registerer receives the session metrics. Nil disables registration.
	Registerer prometheus.Registerer
	// Observer is told about every mutation state transition.
	Observer gateway.Observer
	// Reconciler options, mostly for tests.
	Reconciler []mirror.Option
}

// Session is one user's live view of the shared collection.
//
// Reads are safe from any goroutine. Subscriber callbacks run on the
// session goroutine and must not call mutation methods synchronously.
type Session struct {
	identity auth.Identity
	adapter  *feed.Adapter
	subs     *mirror.Registry
	rec      *mirror.Reconciler
	gw       *gateway.Gateway
	metrics  *metrics

	cmds     chan func()
	quit     chan struct{}
	loopDone chan struct{}

	ready       chan struct{}
	snapshotErr error

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	feeds   sync.WaitGroup
}

// New creates a Session for identity reading from adapter and writing
// through w. Nothing happens until Open.
func New(identity auth.Identity, adapter *feed.Adapter, w gateway.Writer, opts Options) *Session {
	subs := mirror.NewRegistry()
	rec := mirror.NewReconciler(identity.UserID(), subs, opts.Reconciler...)
	m := newMetrics(opts.Registerer)

	gwOpts := []gateway.Option{
		gateway.WithObserver(func(mut gateway.Mutation, st gateway.State, err error) {
			m.observe(mut, st, err)
			if opts.Observer != nil {
				opts.Observer(mut, st, err)
			}
		}),
	}
	if opts.Confirmer != nil {
		gwOpts = append(gwOpts, gateway.WithConfirmer(opts.Confirmer))
	}

	return &Session{
		identity: identity,
		adapter:  adapter,
		subs:     subs,
		rec:      rec,
		gw:       gateway.New(rec, w, gwOpts...),
		metrics:  m,
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// Open starts the session goroutine, the snapshot load and the change
// stream. Calling Open more than once has no effect.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run()

	s.feeds.Add(2)
	go func() {
		defer s.feeds.Done()
		s.adapter.LoadSnapshot(ctx, func(ev feed.Event) {
			s.enqueue(func() {
				s.handle(ev)
				if se, ok := ev.(feed.StreamError); ok {
					s.snapshotErr = se.Err
				}
				close(s.ready)
			})
		})
	}()
	go func() {
		defer s.feeds.Done()
		s.adapter.OpenChangeStream(ctx, s.post)
	}()

	slog.Info("session opened",
		"component", "session",
		"user", s.identity.UserID(),
		"snapshot_size", s.adapter.SnapshotSize(),
	)
}

// Close releases the change stream, stops the session goroutine and waits
// for confirmations already in flight. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.cancel()
	}
	close(s.quit)
	if started {
		<-s.loopDone
		s.feeds.Wait()
	}
	s.gw.Wait()

	slog.Info("session closed", "component", "session")
	return nil
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// Ready blocks until the snapshot has been applied and returns the snapshot
// failure, if there was one.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.snapshotErr
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands fn to the session goroutine. It returns false once the
// session is closed.
func (s *Session) enqueue(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// do runs fn on the session goroutine and waits for it to finish.
func (s *Session) do(fn func()) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotOpen
	}

	done := make(chan struct{})
	if !s.enqueue(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

// post delivers a feed event to the session goroutine. Events arriving
// after Close are dropped.
func (s *Session) post(ev feed.Event) {
	s.enqueue(func() { s.handle(ev) })
}

func (s *Session) handle(ev feed.Event) {
	switch ev := ev.(type) {
	case feed.SnapshotLoaded:
		s.rec.ApplySnapshot(ev.Records)
		s.metrics.eventsApplied.WithLabelValues("snapshot").Inc()
		slog.Info("snapshot applied",
			"component", "session",
			"action", "snapshot",
			"count", len(ev.Records),
		)
	case feed.RecordChanged:
		if err := s.rec.ApplyChange(ev.Change); err != nil {
			s.metrics.invalidEvents.Inc()
			return
		}
		kind := "upsert"
		if ev.Change.Deleted {
			kind = "delete"
		}
		s.metrics.eventsApplied.WithLabelValues(kind).Inc()
	case feed.StreamError:
		if feed.IsInvalidEvent(ev.Err) {
			s.metrics.invalidEvents.Inc()
			slog.Warn("dropped malformed change event",
				"component", "session",
				"error", ev.Err,
			)
			return
		}
		s.metrics.streamErrors.Inc()
		slog.Error("backend feed failed; remote changes will not be mirrored",
			"component", "session",
			"error", ev.Err,
		)
	}
	s.metrics.records.Set(float64(s.rec.Len()))
}

// Subscribe registers fn to run after every change to the collection.
func (s *Session) Subscribe(fn func()) (unsubscribe func()) {
	return s.subs.Subscribe(fn)
}

// Add creates a record owned by the current user. ok is false for a blank title.
func (s *Session) Add(title string) (todo types.Todo, ok bool, err error) {
	err = s.do(func() { todo, ok = s.gw.Add(title) })
	s.sync()
	return todo, ok, err
}

// Toggle flips the completion flag of the record ref points at. It reports
// false when ref no longer points at a current record.
func (s *Session) Toggle(ref types.Ref) (ok bool, err error) {
	err = s.do(func() { ok = s.gw.Toggle(ref) })
	s.sync()
	return ok, err
}

// Rename retitles the record ref points at. A blank title removes it.
func (s *Session) Rename(ref types.Ref, title string) (ok bool, err error) {
	err = s.do(func() { ok = s.gw.Rename(ref, title) })
	s.sync()
	return ok, err
}

// Remove deletes the record ref points at.
func (s *Session) Remove(ref types.Ref) (ok bool, err error) {
	err = s.do(func() { ok = s.gw.Remove(ref) })
	s.sync()
	return ok, err
}

// ToggleAll sets the completion flag on every record the user owns.
func (s *Session) ToggleAll(completed bool) (n int, err error) {
	err = s.do(func() { n = s.gw.ToggleAll(completed) })
	s.sync()
	return n, err
}

// ClearCompleted removes every completed record the user owns.
func (s *Session) ClearCompleted() (n int, err error) {
	err = s.do(func() { n = s.gw.ClearCompleted() })
	s.sync()
	return n, err
}

func (s *Session) sync() {
	s.metrics.records.Set(float64(s.rec.Len()))
}

// Wait blocks until every confirmation in flight has finished.
func (s *Session) Wait() {
	s.gw.Wait()
}

// User returns the current user id, empty when unknown.
func (s *Session) User() string { return s.rec.User() }

// Todos returns every record in display order.
func (s *Session) Todos() []types.Todo { return s.rec.Todos() }

// Mine returns the current user's records in display order.
func (s *Session) Mine() []types.Todo { return s.rec.Mine() }

// Others returns everybody else's records in display order.
func (s *Session) Others() []types.Todo { return s.rec.Others() }

// Get returns the current instance of the record with id.
func (s *Session) Get(id string) (types.Todo, bool) { return s.rec.Get(id) }

// Len returns the number of records.
func (s *Session) Len() int { return s.rec.Len() }

// Counts returns the active and completed totals among the user's records.
func (s *Session) Counts() types.Counts { return s.rec.Counts() }
