// Package gateway turns user intents into optimistic changes on the mirror
// followed by asynchronous writes to the backend.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/hyperengineering/todomirror/internal/mirror"
	"github.com/hyperengineering/todomirror/internal/types"
)

// Writer is the backend write interface.
type Writer interface {
	Create(ctx context.Context, todo types.Todo) error
	Update(ctx context.Context, id string, patch types.Patch) error
	Delete(ctx context.Context, id string) error
}

// Op is the kind of write a mutation needs.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// State is a step in a mutation's lifecycle. There is no rollback state:
// a failed confirmation leaves the optimistic change in place.
type State int

const (
	StateRequested State = iota
	StateOptimisticallyApplied
	StateConfirmationSent
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateOptimisticallyApplied:
		return "optimistically_applied"
	case StateConfirmationSent:
		return "confirmation_sent"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Mutation is one write on its way to the backend.
type Mutation struct {
	Op     Op
	ID     string
	Patch  types.Patch // OpUpdate only
	Record types.Todo  // OpCreate only
}

// Observer is told about every state transition. It is called from the
// caller's goroutine up to StateOptimisticallyApplied and from confirmation
// goroutines afterwards, so it must be safe for concurrent use.
type Observer func(m Mutation, s State, err error)

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfirmer replaces the default FireAndForget strategy.
func WithConfirmer(c Confirmer) Option {
	return func(g *Gateway) { g.confirmer = c }
}

// WithObserver installs a state transition hook.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// Gateway is the mutation surface of the mirror.
//
// Its methods must be called from the goroutine that serializes
// Reconciler mutations.
type Gateway struct {
	rec       *mirror.Reconciler
	writer    Writer
	confirmer Confirmer
	observer  Observer

	wg sync.WaitGroup
}

// New creates a Gateway writing through w.
func New(rec *mirror.Reconciler, w Writer, opts ...Option) *Gateway {
	g := &Gateway{
		rec:       rec,
		writer:    w,
		confirmer: FireAndForget{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add creates a record owned by the current user. Blank titles are ignored.
func (g *Gateway) Add(title string) (types.Todo, bool) {
	title = strings.TrimSpace(title)
	if title == "" {
		return types.Todo{}, false
	}
	id := g.rec.NewID()
	g.observe(Mutation{Op: OpCreate, ID: id}, StateRequested, nil)
	t := g.rec.AddLocalWithID(id, title, g.rec.User())
	g.dispatch(Mutation{Op: OpCreate, ID: t.ID, Record: t})
	return t, true
}

// Toggle flips the completion flag of the record ref points at.
func (g *Gateway) Toggle(ref types.Ref) bool {
	g.observe(Mutation{Op: OpUpdate, ID: ref.ID}, StateRequested, nil)
	t, ok := g.rec.ToggleLocal(ref)
	if !ok {
		g.stale("toggle", ref)
		return false
	}
	g.dispatch(Mutation{Op: OpUpdate, ID: t.ID, Patch: types.CompletedPatch(t.ID, t.Completed)})
	return true
}

// Rename retitles the record ref points at. A blank title removes it.
func (g *Gateway) Rename(ref types.Ref, title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		return g.Remove(ref)
	}
	g.observe(Mutation{Op: OpUpdate, ID: ref.ID}, StateRequested, nil)
	t, ok := g.rec.RenameLocal(ref, title)
	if !ok {
		g.stale("rename", ref)
		return false
	}
	g.dispatch(Mutation{Op: OpUpdate, ID: t.ID, Patch: types.TitlePatch(t.ID, t.Title)})
	return true
}

// Remove deletes the record ref points at.
func (g *Gateway) Remove(ref types.Ref) bool {
	g.observe(Mutation{Op: OpDelete, ID: ref.ID}, StateRequested, nil)
	t, ok := g.rec.RemoveLocal(ref)
	if !ok {
		g.stale("remove", ref)
		return false
	}
	g.dispatch(Mutation{Op: OpDelete, ID: t.ID})
	return true
}

// ToggleAll sets the completion flag on every record the user owns and
// returns how many records it touched.
func (g *Gateway) ToggleAll(completed bool) int {
	for _, t := range g.rec.Mine() {
		g.observe(Mutation{Op: OpUpdate, ID: t.ID, Patch: types.CompletedPatch(t.ID, completed)}, StateRequested, nil)
	}
	touched := g.rec.ToggleAllLocal(completed, types.ScopeMine)
	for _, t := range touched {
		g.dispatch(Mutation{Op: OpUpdate, ID: t.ID, Patch: types.CompletedPatch(t.ID, completed)})
	}
	return len(touched)
}

// ClearCompleted removes every completed record the user owns and returns
// how many it removed.
func (g *Gateway) ClearCompleted() int {
	for _, t := range g.rec.Mine() {
		if t.Completed {
			g.observe(Mutation{Op: OpDelete, ID: t.ID}, StateRequested, nil)
		}
	}
	removed := g.rec.ClearCompletedLocal(types.ScopeMine)
	for _, t := range removed {
		g.dispatch(Mutation{Op: OpDelete, ID: t.ID})
	}
	return len(removed)
}

// Wait blocks until every confirmation in flight has finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// dispatch records the optimistic step and confirms m in the background.
// Confirmations are not tied to any caller context so shutdown can wait
// for them instead of cutting them off.
func (g *Gateway) dispatch(m Mutation) {
	g.observe(m, StateOptimisticallyApplied, nil)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		g.observe(m, StateConfirmationSent, nil)
		if err := g.confirmer.Confirm(context.Background(), g.writer, m); err != nil {
			slog.Warn("mutation not confirmed; local change kept",
				"component", "gateway",
				"op", m.Op,
				"todo_id", m.ID,
				"error", err,
			)
			g.observe(m, StateFailed, err)
			return
		}
		slog.Debug("mutation confirmed",
			"component", "gateway",
			"op", m.Op,
			"todo_id", m.ID,
		)
		g.observe(m, StateSucceeded, nil)
	}()
}

func (g *Gateway) stale(action string, ref types.Ref) {
	slog.Debug("ignoring mutation on stale record reference",
		"component", "gateway",
		"action", action,
		"ref", ref.String(),
		"error", types.ErrUnknownRecordReference,
	)
}

func (g *Gateway) observe(m Mutation, s State, err error) {
	if g.observer != nil {
		g.observer(m, s, err)
	}
}
