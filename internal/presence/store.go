package presence

import (
	"context"
	"time"
)

// Join is one connection joining a user's presence in a branch.
type Join struct {
	BranchID string
	UserID   string
	ConnID   string
	Metadata Metadata
	At       time.Time
}

// JoinResult is the state observed atomically with a Join.
type JoinResult struct {
	// Added is false when ConnID was already in the user's connection set.
	Added bool
	// Count is the connection-set size right after the join.
	Count int64
	// Record is the presence record as written by the join.
	Record Record
}

// LeaveResult is the state observed atomically with a Leave.
type LeaveResult struct {
	// Removed is false when the connection was not in the set.
	Removed bool
	// Count is the connection-set size right after the leave.
	Count int64
}

// Store is the backing state of the registry. The registry is its only writer.
//
// Join and Leave are each one atomic step: the connection set, the reverse
// index, the record and the branch member set change together, and the
// first/last connection decision comes from the set size observed inside that
// step, never from a separate read. A user is a branch member, and has a
// record, exactly while its connection set is non-empty.
type Store interface {
	// Join adds j.ConnID to the user's connection set, binds the reverse
	// index, merges j.Metadata into the record and marks the user a member of
	// the branch. A first connection, or a missing record, starts a fresh
	// record at j.At. It returns ErrConnectionInUse, writing nothing, when
	// j.ConnID is bound to another (branch, user).
	Join(ctx context.Context, j Join) (JoinResult, error)
	// Leave removes connID from ref's connection set and unbinds it. When the
	// set becomes empty the member entry and the record go with it.
	Leave(ctx context.Context, connID string, ref ConnRef) (LeaveResult, error)
	// ConnectionCount returns the size of the user's connection set.
	ConnectionCount(ctx context.Context, branchID, userID string) (int64, error)

	// Members returns the user ids online in a branch.
	Members(ctx context.Context, branchID string) ([]string, error)
	// Branches returns every branch with at least one member. Expensive on
	// shared stores.
	Branches(ctx context.Context) ([]string, error)

	GetRecord(ctx context.Context, branchID, userID string) (Record, bool, error)
	// GetRecords returns the records that exist for userIDs, skipping missing ones.
	GetRecords(ctx context.Context, branchID string, userIDs []string) ([]Record, error)

	LookupConnection(ctx context.Context, connID string) (ConnRef, bool, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// joinedRecord is the record a join writes over prev.
func joinedRecord(prev Record, exists, first bool, j Join) Record {
	rec := prev
	if first || !exists {
		rec = Record{BranchID: j.BranchID, UserID: j.UserID, ConnectedAt: j.At}
	}
	rec.Version = MetadataVersion
	rec.Metadata = rec.Metadata.Merge(j.Metadata).withDefaults()
	rec.LastActiveAt = j.At
	return rec
}
