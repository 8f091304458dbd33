// Package queue implements the persistent, time-sharded work queue: the
// transactional store of pending entries, their completed history, and the
// per-request audit trail, plus the scheduling invariants encoded as SQL.
package queue

import "time"

// QueueState is the closed set of states a queue entry can occupy.
type QueueState string

const (
	StateUnprocessed QueueState = "UNPROCESSED"
	StateToProcess   QueueState = "TO_PROCESS"
	StateProcessed   QueueState = "PROCESSED"
)

const (
	// Delta is the fixed spacing enforced between two entries of the same
	// token's execute_at ordering.
	Delta = 720 * time.Millisecond
	// DefaultMu is the half-width of the claim window used by claim_window
	// when the caller doesn't override it.
	DefaultMu = 100 * time.Millisecond
	// MaxRetry is the retry ceiling past which an entry becomes terminal.
	MaxRetry = 10
	// DefaultShiftSeconds is the amount shift_by_token nudges every pending
	// entry of a token by, applied on quota exhaustion (403/429).
	DefaultShiftSeconds = 7
	// DefaultPerPage is the page size placed into a freshly filled entry's
	// request params.
	DefaultPerPage = 100
)

// Token is an opaque, externally provisioned credential. The core only
// ever reads it.
type Token struct {
	ID       int
	Value    string
	IsEnable bool
}

// Entry is one pending (or just-claimed) unit of work in the queue.
type Entry struct {
	ID            string
	TokenID       int
	URL           string
	BaseObjectURL string
	ObjectType    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
	ExecuteAt     time.Time
	RetryCount    int
	State         QueueState
	ClaimID       *string
	Headers       map[string]string
	Params        map[string]any
	Error         *string
}

// HistoryRow is the durable record of an entry that has left the queue,
// whether by success or by terminal failure.
type HistoryRow struct {
	ID            string
	TokenID       int
	URL           string
	BaseObjectURL string
	ObjectType    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      time.Time
	ExecuteAt     time.Time
	RetryCount    int
	State         QueueState
	Headers       map[string]string
	Params        map[string]any
	ErrorText     *string
}

// BaseObject mirrors issue_loading: a parent entity whose paginated child
// listing the queue enumerates.
type BaseObject struct {
	URL          string
	CommentState string
}

const (
	CommentStateTODO = "TO_DO"
	CommentStateDone = "DONE"
)

// LoadingAudit is one row per HTTP attempt. It is opaque to scheduling and
// owned entirely by the Queue Store as a write sink.
type LoadingAudit struct {
	ID             string
	GUID           string
	URL            string
	ReqParams      map[string]any
	ReqHeaders     map[string]string
	BeginTimestamp time.Time
	RespStatus     *int
	RespHeaders    map[string][]string
	RespText       *string
	RespRaw        *string
	EndTimestamp   *time.Time
	Error          *string
}
