// Package feed normalises the backend's snapshot query and change stream
// into SnapshotLoaded, RecordChanged and StreamError events. It never
// touches the collection itself.
package feed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hyperengineering/todomirror/internal/types"
)

// Event is one normalised observation from the backend.
type Event interface {
	isEvent()
}

// SnapshotLoaded carries the result of one snapshot query.
type SnapshotLoaded struct {
	Records []types.Todo
}

// RecordChanged carries one change stream message.
type RecordChanged struct {
	Change types.ChangeEvent
}

// StreamError reports a failed snapshot query, a failed stream, or a
// malformed stream message.
type StreamError struct {
	Err error
}

func (SnapshotLoaded) isEvent() {}
func (RecordChanged) isEvent()  {}
func (StreamError) isEvent()    {}

// Snapshotter runs the snapshot query.
type Snapshotter interface {
	Search(ctx context.Context, size int) ([]types.Todo, error)
}

// Stream is one open change stream subscription.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Streamer opens change stream subscriptions.
type Streamer interface {
	OpenStream(ctx context.Context) (Stream, error)
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context) (Stream, error)

// OpenStream calls f.
func (f StreamerFunc) OpenStream(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// Adapter wraps the backend's query and stream primitives.
type Adapter struct {
	snapshots    Snapshotter
	streams      Streamer
	decoder      *Decoder
	snapshotSize int
}

// NewAdapter creates an Adapter. snapshotSize bounds the snapshot query;
// records beyond it are not retrieved.
func NewAdapter(snapshots Snapshotter, streams Streamer, snapshotSize int) *Adapter {
	return &Adapter{
		snapshots:    snapshots,
		streams:      streams,
		decoder:      MustNewDecoder(),
		snapshotSize: snapshotSize,
	}
}

// SnapshotSize returns the configured snapshot bound.
func (a *Adapter) SnapshotSize() int {
	return a.snapshotSize
}

// LoadSnapshot runs the snapshot query and emits exactly one event:
// SnapshotLoaded on success, StreamError on failure.
func (a *Adapter) LoadSnapshot(ctx context.Context, emit func(Event)) {
	records, err := a.snapshots.Search(ctx, a.snapshotSize)
	if err != nil {
		emit(StreamError{Err: err})
		return
	}
	if len(records) > a.snapshotSize {
		records = records[:a.snapshotSize]
	}
	if len(records) == a.snapshotSize {
		slog.Warn("snapshot hit its size bound; older records are not mirrored",
			"component", "feed",
			"snapshot_size", a.snapshotSize,
		)
	}
	emit(SnapshotLoaded{Records: records})
}

// OpenChangeStream subscribes to the change stream and emits one event per
// message, in arrival order, until ctx is cancelled or the transport fails.
// A transport failure emits one StreamError and ends the stream; there is
// no reconnection at this layer. Cancelling ctx releases the subscription
// and emits nothing.
func (a *Adapter) OpenChangeStream(ctx context.Context, emit func(Event)) {
	stream, err := a.streams.OpenStream(ctx)
	if err != nil {
		if ctx.Err() == nil {
			emit(StreamError{Err: err})
		}
		return
	}

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer func() {
		stop()
		stream.Close()
	}()

	for {
		raw, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				emit(StreamError{Err: err})
			}
			return
		}
		ev, err := a.decoder.Decode(raw)
		if err != nil {
			emit(StreamError{Err: err})
			continue
		}
		emit(RecordChanged{Change: ev})
	}
}

// IsInvalidEvent reports whether err describes a malformed message rather
// than a transport failure.
func IsInvalidEvent(err error) bool {
	return errors.Is(err, types.ErrInvalidChangeEvent)
}
