package store

import "time"

type Trade struct {
	ID         string
	Reference  string
	BuyerName  string
	Status     string
	ActiveStep int
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TradeDocument is one document of a trade, persisted as markup keyed by
// its step index.
type TradeDocument struct {
	TradeID       string
	Step          int
	Markup        string
	Fingerprint   string
	Complete      bool
	PendingMapped bool
	UpdatedAt     time.Time
}

// TradeEvent is an append-only audit entry for a checkpoint.
type TradeEvent struct {
	ID          int64
	TradeID     string
	Step        int
	Kind        string
	Actor       string
	FieldIDs    []string
	Fingerprint string
	CreatedAt   time.Time
}

const (
	EventCreated  = "CREATED"
	EventSaved    = "SAVED"
	EventNavigate = "NAVIGATED"
	EventAgent    = "AGENT_APPLIED"
	EventConfirm  = "MAPPED_CONFIRMED"
	EventRows     = "ROWS_CHANGED"
)

const (
	StatusDraft    = "DRAFT"
	StatusComplete = "COMPLETE"
)

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Added     int
	Removed   int
}
