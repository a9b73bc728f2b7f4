// Package mirror holds the client-side copy of the shared todo collection
// and the rules for merging snapshots, streamed changes and local edits into it.
package mirror

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/oklog/ulid/v2"
)

// Reconciler owns the collection. It is the only component that mutates it.
//
// Mutations are expected to be serialized by the caller (the session loop);
// reads may come from any goroutine. Every mutation that changes or may
// change state is followed by exactly one notification, delivered after
// the internal lock has been released.
type Reconciler struct {
	mu      sync.RWMutex
	user    string
	byID    map[string]*list.Element
	order   *list.List // of types.Todo, display order
	lastRev uint64

	subs  *Registry
	now   func() time.Time
	newID func() string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the clock used for CreatedAt of local records.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator overrides the id generator used for local records.
func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// NewReconciler creates an empty collection for user. An empty user means
// the identity is unknown, in which case every record counts as "mine".
func NewReconciler(user string, subs *Registry, opts ...Option) *Reconciler {
	if subs == nil {
		subs = NewRegistry()
	}
	r := &Reconciler{
		user:  user,
		byID:  make(map[string]*list.Element),
		order: list.New(),
		subs:  subs,
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribers returns the registry notified by this Reconciler.
func (r *Reconciler) Subscribers() *Registry {
	return r.subs
}

// User returns the identity the ownership filter compares against.
func (r *Reconciler) User() string {
	return r.user
}

func (r *Reconciler) rev() uint64 {
	r.lastRev++
	return r.lastRev
}

// ApplySnapshot replaces the whole collection with records.
//
// Local edits that the backend has not reflected yet are overwritten.
// Duplicate ids keep the position of their first occurrence and the
// fields of the last one.
func (r *Reconciler) ApplySnapshot(records []types.Todo) {
	r.mu.Lock()
	r.byID = make(map[string]*list.Element, len(records))
	r.order = list.New()
	for _, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			slog.Warn("snapshot record without id dropped",
				"component", "mirror",
				"action", "apply_snapshot",
			)
			continue
		}
		rec.Rev = r.rev()
		if el, ok := r.byID[rec.ID]; ok {
			el.Value = rec
			continue
		}
		r.byID[rec.ID] = r.order.PushBack(rec)
	}
	size := r.order.Len()
	r.mu.Unlock()

	slog.Debug("snapshot applied", "component", "mirror", "records", size)
	r.subs.NotifyAll()
}

// ApplyChange applies one streamed change. Deletions of unknown ids are
// no-ops. Upserts merge into the existing record in place, or prepend a new
// one. A malformed event is logged, dropped without notification, and its
// error returned for accounting.
func (r *Reconciler) ApplyChange(ev types.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		slog.Warn("change event dropped",
			"component", "mirror",
			"action", "apply_change",
			"error", err,
		)
		return err
	}

	r.mu.Lock()
	id := ev.Record.ID
	el, exists := r.byID[id]
	switch {
	case ev.Deleted:
		if exists {
			r.order.Remove(el)
			delete(r.byID, id)
		}
	case exists:
		// In-place merge keeps the instance, and therefore its Ref, valid.
		t := el.Value.(types.Todo)
		ev.Record.Apply(&t)
		el.Value = t
	default:
		t := ev.Record.Todo()
		t.Rev = r.rev()
		r.byID[id] = r.order.PushFront(t)
	}
	r.mu.Unlock()

	r.subs.NotifyAll()
	return nil
}

// NewID returns a fresh record id from the configured generator.
func (r *Reconciler) NewID() string {
	return r.newID()
}

// AddLocal creates a record authored by authorID, prepends it and returns it.
func (r *Reconciler) AddLocal(title, authorID string) types.Todo {
	return r.AddLocalWithID(r.newID(), title, authorID)
}

// AddLocalWithID is AddLocal with an id the caller obtained from NewID.
func (r *Reconciler) AddLocalWithID(id, title, authorID string) types.Todo {
	r.mu.Lock()
	t := types.Todo{
		ID:        id,
		Title:     title,
		Completed: false,
		CreatedAt: r.now().UnixMilli(),
		CreatedBy: authorID,
		Rev:       r.rev(),
	}
	r.byID[t.ID] = r.order.PushFront(t)
	r.mu.Unlock()

	r.subs.NotifyAll()
	return t
}

// lookup returns the element ref points at, if it is still current.
// Caller holds the lock.
func (r *Reconciler) lookup(ref types.Ref) (*list.Element, bool) {
	el, ok := r.byID[ref.ID]
	if !ok || el.Value.(types.Todo).Rev != ref.Rev {
		return nil, false
	}
	return el, true
}

// replace swaps the instance behind ref for the result of edit.
// Returns false without notifying when ref is stale.
func (r *Reconciler) replace(ref types.Ref, edit func(*types.Todo)) (types.Todo, bool) {
	r.mu.Lock()
	el, ok := r.lookup(ref)
	if !ok {
		r.mu.Unlock()
		return types.Todo{}, false
	}
	t := el.Value.(types.Todo)
	edit(&t)
	t.Rev = r.rev()
	el.Value = t
	r.mu.Unlock()

	r.subs.NotifyAll()
	return t, true
}

// ToggleLocal flips Completed on the record instance ref points at.
func (r *Reconciler) ToggleLocal(ref types.Ref) (types.Todo, bool) {
	return r.replace(ref, func(t *types.Todo) { t.Completed = !t.Completed })
}

// RenameLocal replaces the title of the record instance ref points at.
func (r *Reconciler) RenameLocal(ref types.Ref, title string) (types.Todo, bool) {
	return r.replace(ref, func(t *types.Todo) { t.Title = title })
}

// RemoveLocal removes the record instance ref points at.
func (r *Reconciler) RemoveLocal(ref types.Ref) (types.Todo, bool) {
	r.mu.Lock()
	el, ok := r.lookup(ref)
	if !ok {
		r.mu.Unlock()
		return types.Todo{}, false
	}
	t := r.order.Remove(el).(types.Todo)
	delete(r.byID, ref.ID)
	r.mu.Unlock()

	r.subs.NotifyAll()
	return t, true
}

// ToggleAllLocal sets Completed on every record in scope and returns the
// records it touched. Records outside scope are kept as they are.
func (r *Reconciler) ToggleAllLocal(completed bool, scope types.Scope) []types.Todo {
	r.mu.Lock()
	var touched []types.Todo
	for el := r.order.Front(); el != nil; el = el.Next() {
		t := el.Value.(types.Todo)
		if !r.inScope(t, scope) {
			continue
		}
		t.Completed = completed
		t.Rev = r.rev()
		el.Value = t
		touched = append(touched, t)
	}
	r.mu.Unlock()

	r.subs.NotifyAll()
	return touched
}

// ClearCompletedLocal removes every completed record in scope and returns them.
func (r *Reconciler) ClearCompletedLocal(scope types.Scope) []types.Todo {
	r.mu.Lock()
	var removed []types.Todo
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		t := el.Value.(types.Todo)
		if t.Completed && r.inScope(t, scope) {
			r.order.Remove(el)
			delete(r.byID, t.ID)
			removed = append(removed, t)
		}
		el = next
	}
	r.mu.Unlock()

	r.subs.NotifyAll()
	return removed
}

// inScope reports whether t belongs to scope. Caller holds the lock.
func (r *Reconciler) inScope(t types.Todo, scope types.Scope) bool {
	return scope == types.ScopeAll || r.mine(t)
}

// mine applies the ownership filter. With no known user nothing can be
// filtered, so every record counts as the user's own.
func (r *Reconciler) mine(t types.Todo) bool {
	return r.user == "" || t.CreatedBy == r.user
}

func (r *Reconciler) collect(keep func(types.Todo) bool) []types.Todo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Todo, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		t := el.Value.(types.Todo)
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Todos returns the collection in display order.
func (r *Reconciler) Todos() []types.Todo {
	return r.collect(nil)
}

// Mine returns the records created by the current user, or every record
// when the user is unknown.
func (r *Reconciler) Mine() []types.Todo {
	return r.collect(r.mine)
}

// Others returns the complement of Mine.
func (r *Reconciler) Others() []types.Todo {
	return r.collect(func(t types.Todo) bool { return !r.mine(t) })
}

// Get returns the record with id.
func (r *Reconciler) Get(id string) (types.Todo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	el, ok := r.byID[id]
	if !ok {
		return types.Todo{}, false
	}
	return el.Value.(types.Todo), true
}

// Len returns the number of records.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Len()
}

// Counts returns the active and completed totals among the user's records.
func (r *Reconciler) Counts() types.Counts {
	var c types.Counts
	for _, t := range r.Mine() {
		if t.Completed {
			c.Completed++
		} else {
			c.Active++
		}
	}
	return c
}
