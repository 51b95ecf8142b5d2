package schema

import "time"

// SyncStatus describes where an entity row stands relative to the remote
// store. Every row carries one; the tracker owns all transitions.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusConflict SyncStatus = "conflict"
	StatusFailed   SyncStatus = "failed"
	StatusOffline  SyncStatus = "offline"
)

// AllSyncStatuses lists every status in a stable order. Status-count maps
// are zero-filled over this set.
var AllSyncStatuses = []SyncStatus{
	StatusSynced,
	StatusPending,
	StatusSyncing,
	StatusConflict,
	StatusFailed,
	StatusOffline,
}

// Valid reports whether s is a recognized sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusSyncing, StatusConflict, StatusFailed, StatusOffline:
		return true
	}
	return false
}

// PendingOp is the local operation awaiting reconciliation.
type PendingOp string

const (
	OpNone   PendingOp = "none"
	OpCreate PendingOp = "create"
	OpUpdate PendingOp = "update"
	OpDelete PendingOp = "delete"
)

// CanTransition reports whether moving from one sync status to another is a
// legal state-machine transition. Notably there is no direct path from
// failed to synced: a failed row must be re-marked pending (or picked up as
// syncing) before it can be confirmed.
func CanTransition(from, to SyncStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusPending:
		// Any local mutation re-queues the row.
		return true
	case StatusSyncing:
		return from == StatusPending || from == StatusFailed || from == StatusConflict || from == StatusOffline
	case StatusSynced:
		return from == StatusPending || from == StatusSyncing || from == StatusConflict
	case StatusConflict, StatusFailed:
		return from == StatusPending || from == StatusSyncing
	case StatusOffline:
		return from == StatusPending || from == StatusSyncing || from == StatusFailed
	}
	return false
}

// SyncMetadata is the reconciliation bundle attached to every entity row.
// The tracker mutates only these fields, never domain fields.
type SyncMetadata struct {
	SyncStatus       SyncStatus `json:"syncStatus"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	LocalUpdatedAt   *time.Time `json:"localUpdatedAt,omitempty"`
	ServerUpdatedAt  *time.Time `json:"serverUpdatedAt,omitempty"`
	PendingOperation PendingOp  `json:"pendingOperation"`
	ConflictData     string     `json:"conflictData,omitempty"` // JSON snapshot of the remote version
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	RetryCount       int        `json:"retryCount,omitempty"`
	LastAttemptAt    *time.Time `json:"lastAttemptAt,omitempty"`
}

// SetSyncDefaults fills zero-valued sync fields. A freshly loaded row is
// considered synced until its first local mutation.
func (m *SyncMetadata) SetSyncDefaults() {
	if m.SyncStatus == "" {
		m.SyncStatus = StatusSynced
	}
	if m.PendingOperation == "" {
		m.PendingOperation = OpNone
	}
}

// SyncMetadataPatch is a partial update to a row's sync metadata. Nil
// pointer fields are left untouched; pointing a string field at "" resets
// the column to empty.
type SyncMetadataPatch struct {
	LastSyncedAt     *time.Time
	LocalUpdatedAt   *time.Time
	ServerUpdatedAt  *time.Time
	PendingOperation *PendingOp
	ConflictData     *string
	ErrorMessage     *string
	RetryCount       *int
	LastAttemptAt    *time.Time
}

// GlobalSyncState is the derived, non-persisted roll-up of per-table status
// counts that UI sync indicators subscribe to.
type GlobalSyncState struct {
	IsSyncing          bool       `json:"isSyncing"`
	LastSyncAt         *time.Time `json:"lastSyncAt,omitempty"`
	PendingItemsCount  int        `json:"pendingItemsCount"`
	FailedItemsCount   int        `json:"failedItemsCount"`
	ConflictItemsCount int        `json:"conflictItemsCount"`
	SyncProgress       int        `json:"syncProgress"` // 0-100
	IsOnline           bool       `json:"isOnline"`
	CurrentError       string     `json:"currentError,omitempty"`
}
