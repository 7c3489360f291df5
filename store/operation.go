package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/crmsync/diff"
)

// OperationKind distinguishes the first operation of a locally created
// entity from later edits.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
)

// Operation is an immutable record of one committed change. IDs are the
// store version after the commit and strictly increase.
type Operation struct {
	ID          uint64        `json:"id"`
	Kind        OperationKind `json:"kind"`
	Diff        []diff.Change `json:"diff"`
	Ref         string        `json:"ref,omitempty"`
	CommittedAt time.Time     `json:"committed_at"`
}

// Mutation is what a Mutator sends to the server for one operation.
type Mutation struct {
	EntityType string
	EntityID   string
	Operation  Operation
	// Snapshot is the optimistic value right after the operation, for
	// mutators that send full inputs instead of diffs.
	Snapshot json.RawMessage
}

// Ack acknowledges a mutation. Snapshot, when present, is the server's
// authoritative value after applying it.
type Ack struct {
	Ref      string
	Snapshot json.RawMessage
}

// Backend fetches authoritative state.
type Backend interface {
	Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error)
	FetchAll(ctx context.Context, entityType string) ([]json.RawMessage, error)
}

// Mutator writes one operation to the server and waits for its
// acknowledgement. Retries are the Mutator's business.
type Mutator interface {
	Mutate(ctx context.Context, m Mutation) (Ack, error)
}

// Dispatcher runs jobs asynchronously, in submission order per key.
type Dispatcher interface {
	Submit(key string, job func(ctx context.Context)) error
}

// Journal persists authoritative snapshots and committed operations.
type Journal interface {
	SaveSnapshot(ctx context.Context, entityType, id string, version uint64, data json.RawMessage) error
	DeleteSnapshot(ctx context.Context, entityType, id string) error
	Snapshots(ctx context.Context, entityType string) ([]json.RawMessage, error)
	AppendOperation(ctx context.Context, entityType, id string, op Operation) error
}

// Recorder receives sync activity for metrics.
type Recorder interface {
	Committed(entityType string, changes int)
	Acked(entityType string)
	Rejected(entityType string)
	Dropped(entityType string)
	Bootstrapped(entityType string, took time.Duration, err error)
	Stores(entityType string, n int)
}

type nopRecorder struct{}

func (nopRecorder) Committed(string, int)                     {}
func (nopRecorder) Acked(string)                              {}
func (nopRecorder) Rejected(string)                           {}
func (nopRecorder) Dropped(string)                            {}
func (nopRecorder) Bootstrapped(string, time.Duration, error) {}
func (nopRecorder) Stores(string, int)                        {}

// PushKind is the kind of a server-originated message.
type PushKind string

const (
	PushSnapshot   PushKind = "snapshot"
	PushInvalidate PushKind = "invalidate"
	PushDelete     PushKind = "delete"
	PushAck        PushKind = "ack"
	PushReject     PushKind = "reject"
)

// Push is a server-originated message addressed to one entity of a group.
type Push struct {
	Kind     PushKind
	ID       string
	Ref      string
	Snapshot json.RawMessage
	Error    string
}
