package types

import (
	"errors"
	"fmt"
	"strings"
)

// Todo is a single record of the shared collection.
// ID and CreatedAt never change once the record exists.
type Todo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	CreatedAt int64  `json:"createdAt"`           // epoch millis
	CreatedBy string `json:"createdBy,omitempty"` // empty for legacy/foreign records
	Rev       uint64 `json:"-"`
}

// Ref returns the token that identifies this exact record instance.
func (t Todo) Ref() Ref {
	return Ref{ID: t.ID, Rev: t.Rev}
}

// Ref identifies one record instance as it was observed at read time.
// A Ref goes stale when the mirror replaces the instance it points at.
type Ref struct {
	ID  string
	Rev uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Rev)
}

// Patch is a partial record. Nil fields are absent and leave the
// corresponding field of the target untouched.
type Patch struct {
	ID        string  `json:"id,omitempty"`
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	CreatedAt *int64  `json:"createdAt,omitempty"`
	CreatedBy *string `json:"createdBy,omitempty"`
}

// Apply overwrites the fields of t present in p.
func (p Patch) Apply(t *Todo) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.CreatedAt != nil {
		t.CreatedAt = *p.CreatedAt
	}
	if p.CreatedBy != nil {
		t.CreatedBy = *p.CreatedBy
	}
}

// Todo materialises p as a new record. Absent fields take zero values.
func (p Patch) Todo() Todo {
	t := Todo{ID: p.ID}
	p.Apply(&t)
	return t
}

// Empty reports whether p carries no field besides the id.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Completed == nil && p.CreatedAt == nil && p.CreatedBy == nil
}

// PatchOf returns a patch carrying every field of t.
func PatchOf(t Todo) Patch {
	return Patch{
		ID:        t.ID,
		Title:     &t.Title,
		Completed: &t.Completed,
		CreatedAt: &t.CreatedAt,
		CreatedBy: &t.CreatedBy,
	}
}

// TitlePatch returns an update carrying only the title.
func TitlePatch(id, title string) Patch {
	return Patch{ID: id, Title: &title}
}

// CompletedPatch returns an update carrying only the completed flag.
func CompletedPatch(id string, completed bool) Patch {
	return Patch{ID: id, Completed: &completed}
}

// Scope selects the records a bulk operation acts on.
type Scope int

const (
	// ScopeMine covers records created by the current user.
	ScopeMine Scope = iota
	// ScopeAll covers every record in the collection.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeMine:
		return "mine"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope parses "mine" or "all".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mine", "":
		return ScopeMine, nil
	case "all":
		return ScopeAll, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", s)
	}
}

// ChangeEvent is one message of the change stream: either an upsert
// carrying a (possibly partial) record, or a deletion carrying its id.
type ChangeEvent struct {
	Deleted bool  `json:"deleted,omitempty"`
	Record  Patch `json:"record"`
}

// Validate checks the event is well formed.
func (e ChangeEvent) Validate() error {
	if strings.TrimSpace(e.Record.ID) == "" {
		return fmt.Errorf("%w: record id is missing", ErrInvalidChangeEvent)
	}
	return nil
}

// Upsert builds a non-deletion change event.
func Upsert(p Patch) ChangeEvent {
	return ChangeEvent{Record: p}
}

// Deletion builds a deletion change event for id.
func Deletion(id string) ChangeEvent {
	return ChangeEvent{Deleted: true, Record: Patch{ID: id}}
}

// SearchRequest is the snapshot query: match all records, bounded by Size.
type SearchRequest struct {
	Size int `json:"size"`
}

// SearchResponse is the snapshot query result.
type SearchResponse struct {
	Hits  []Todo `json:"hits"`
	Total int    `json:"total"`
}

// HealthResponse is returned by the backend health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	TodoCount int64  `json:"todo_count"`
}

// Counts summarises the current user's records.
type Counts struct {
	Active    int
	Completed int
}

var (
	// ErrInvalidChangeEvent marks a malformed stream payload.
	ErrInvalidChangeEvent = errors.New("invalid change event")
	// ErrUnknownRecordReference marks a local mutation aimed at a record
	// instance that is no longer in the collection.
	ErrUnknownRecordReference = errors.New("unknown record reference")
)

// TransportError reports a failed snapshot, stream or write request.
type TransportError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
