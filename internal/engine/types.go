package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// OperationKind identifies the mutation a queued operation performs
// against the primary store.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
	KindMove   OperationKind = "move"
	KindBatch  OperationKind = "batch"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindMove, KindBatch:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a queued operation.
//
// Transitions: pending -> executing -> {completed | pending (retry) | paused | failed}.
// paused means the operation hit a conflict that needs an external decision;
// it is neither retried nor failed until the conflict is resolved.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusExecuting OperationStatus = "executing"
	StatusPaused    OperationStatus = "paused"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is a single requested mutation, persisted before any execution
// attempt. Rows are never physically deleted on the hot path; completed and
// failed operations stay queryable until an explicit prune.
type Operation struct {
	ID          string
	Kind        OperationKind
	Path        string
	Payload     []byte // content for create/update, encoded sub-operations for batch
	DestPath    string // move destination
	BatchAtomic bool
	ConflictID  string // set when this operation resolves a conflict

	// Seq is assigned by the database at enqueue and is monotone in
	// insertion order. It breaks ordering ties between operations that
	// share a SubmittedAt timestamp.
	Seq int64

	SubmittedAt   time.Time
	Status        OperationStatus
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
	StartedAt     *time.Time
	FinishedAt    *time.Time
	DurationMS    int64
}

// AffectedPaths lists every path the operation touches, sorted and
// deduplicated. For a batch this is the union of sub-operation paths and move
// destinations; scheduling treats the whole set as the operation's footprint.
func (op *Operation) AffectedPaths() []string {
	var paths []string
	if op.Kind == KindBatch {
		if subs, err := DecodeBatch(op.Payload); err == nil {
			for _, s := range subs {
				paths = append(paths, s.Path)
				if s.DestPath != "" {
					paths = append(paths, s.DestPath)
				}
			}
		}
	} else {
		paths = append(paths, op.Path)
		if op.DestPath != "" {
			paths = append(paths, op.DestPath)
		}
	}
	sort.Strings(paths)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || (len(out) > 0 && p == out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SubOperation is one element of a batch payload.
type SubOperation struct {
	Kind     OperationKind `json:"kind"`
	Path     string        `json:"path"`
	Payload  []byte        `json:"payload,omitempty"`
	DestPath string        `json:"dest_path,omitempty"`
}

// EncodeBatch serializes sub-operations into a batch operation payload.
func EncodeBatch(subs []SubOperation) ([]byte, error) {
	data, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("encoding batch payload: %w", err)
	}
	return data, nil
}

// DecodeBatch deserializes a batch operation payload.
func DecodeBatch(payload []byte) ([]SubOperation, error) {
	var subs []SubOperation
	if err := json.Unmarshal(payload, &subs); err != nil {
		return nil, fmt.Errorf("decoding batch payload: %w", err)
	}
	return subs, nil
}

// ConflictState tracks divergence handling for a path or a conflict record.
//
// FileMetadata uses none/detected/resolving/resolved; Conflict records use
// detected/resolving/resolved/pending-user-choice.
type ConflictState string

const (
	ConflictNone       ConflictState = "none"
	ConflictDetected   ConflictState = "detected"
	ConflictResolving  ConflictState = "resolving"
	ConflictResolved   ConflictState = "resolved"
	ConflictUserChoice ConflictState = "pending-user-choice"
)

// FileMetadata is the last-known-good state for one path. content_hash always
// reflects a value this engine itself wrote or confirmed, never a guess.
// Deleting a path sets Tombstone instead of removing the record, so a stale
// write arriving later is still detected as a conflict.
type FileMetadata struct {
	Path          string
	ContentHash   string
	Size          int64
	ModifiedAt    time.Time
	LastSyncedAt  *time.Time
	ConflictState ConflictState
	BackupPath    string
	Tombstone     bool
}

// SyncLogEntry is an append-only audit record of a reconciliation event.
type SyncLogEntry struct {
	ID        int64
	OpType    string
	Path      string
	Outcome   string
	Details   string
	CreatedAt time.Time
}

// Sync log outcomes.
const (
	OutcomeApplied          = "applied"
	OutcomeFailed           = "failed"
	OutcomeConflictDetected = "conflict-detected"
	OutcomeConflictResolved = "conflict-resolved"
	OutcomeRolledBack       = "rolled-back"
	OutcomeIntegrity        = "integrity-violation"
)

// Version is one side of a conflict: content plus its hash and timestamp.
type Version struct {
	Content []byte
	Hash    string
	ModTime time.Time
}

// Conflict is materialized when the remote store's current hash for a path
// differs from the last-known hash at the moment a local write is about to be
// applied. Base is the last mutually agreed version when one can be recovered
// from the backup vault, nil otherwise.
type Conflict struct {
	ID          string
	Path        string
	OperationID string // operation that was paused by this conflict
	Local       Version
	Remote      Version
	Base        *Version
	Strategy    Strategy
	State       ConflictState
	// ResolutionOpID is the operation submitted via ResolveConflict; its
	// completion closes this conflict.
	ResolutionOpID string
	DetectedAt     time.Time
	ResolvedAt     *time.Time
}

// BackupReason records why a snapshot was taken.
type BackupReason string

const (
	ReasonPreDelete     BackupReason = "pre-delete"
	ReasonPreOverwrite  BackupReason = "pre-overwrite"
	ReasonConflictLoser BackupReason = "conflict-loser"
	// ReasonSyncPoint marks content at the moment it became the agreed state
	// for its path. Sync points are what ContentByHash recovers as the base
	// version of a later three-way merge.
	ReasonSyncPoint BackupReason = "sync-point"
)

// Backup is an index row for an immutable, content-addressed snapshot held in
// the vault. Identical prior states share one blob.
type Backup struct {
	ID          string
	Path        string
	BackupPath  string // "sha256/<hex>"
	ContentHash string
	Size        int64
	Reason      BackupReason
	CreatedAt   time.Time
}

// RetentionPolicy bounds backup retention by age and per-path count.
// The most recent backup for a path is never pruned regardless of age.
type RetentionPolicy struct {
	MaxAge     time.Duration // zero means no age bound
	MaxPerPath int           // zero means no count bound
}

// SubmitRequest describes a mutation to enqueue.
type SubmitRequest struct {
	Kind     OperationKind
	Path     string
	Content  []byte
	DestPath string
	Atomic   bool
	Batch    []SubOperation
}

// SyncStatus is the aggregate view returned by ListSyncStatus.
type SyncStatus struct {
	Pending   int
	Executing int
	Paused    int
	Completed int
	Failed    int
	Conflicts []*Conflict
}

// SubResult reports the outcome of one sub-operation within a batch.
type SubResult struct {
	Index      int
	Kind       OperationKind
	Path       string
	Applied    bool
	RolledBack bool
	Err        string
}

// ExecutionResult is the outcome of one execution attempt.
type ExecutionResult struct {
	OperationID string
	Status      OperationStatus
	Err         string
	Sub         []SubResult // populated for batch operations
}
