package store

// Campaign statuses.
const (
	MessageScheduled = "scheduled"
	MessageCompleted = "completed"
	MessageFailed    = "failed"
	MessageStopped   = "stopped"
)

// Batch statuses.
const (
	BatchPending = "pending"
	BatchSent    = "sent"
	BatchFailed  = "failed"
	BatchSkipped = "skipped"
)

// Company is a tenant owning channels and campaigns.
type Company struct {
	ID         string
	Name       string
	PhoneSlots int
	CreatedAt  int64
}

// MessageItem is one recipient message within a campaign. Body may contain
// {{placeholder}} tokens resolved from the recipient record at send time.
type MessageItem struct {
	ChatID       string `json:"chatId"`
	Body         string `json:"body"`
	MediaURL     string `json:"mediaUrl,omitempty"`
	DelaySeconds int    `json:"delaySeconds,omitempty"`
}

// ScheduledMessage is a delivery campaign: recipients, cadence and loop
// policy. Batches are derived from it and carry the queue state.
type ScheduledMessage struct {
	CompanyID      string
	MessageID      string
	PhoneIndex     int
	Status         string
	ScheduledTime  int64 // unix millis
	BatchQuantity  int
	RepeatInterval int
	RepeatUnit     string // minutes, hours, days
	InfiniteLoop   bool
	Items          []MessageItem
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

// Batch is the unit of queue scheduling: one queue job per batch,
// job id == BatchID.
type Batch struct {
	CompanyID     string
	MessageID     string
	BatchID       string
	Index         int
	Status        string
	ScheduledTime int64 // unix millis
	Items         []MessageItem
	// Resumable day-loop cursor: DayIndex counts completed day cycles,
	// ItemIndex is the next item to send within the current cycle.
	DayIndex  int
	ItemIndex int
	LastError string
	CreatedAt int64
	UpdatedAt int64
}

// PhoneStatus is the persisted lifecycle state of one channel.
type PhoneStatus struct {
	CompanyID  string
	PhoneIndex int
	State      string
	Detail     string
	UpdatedAt  int64
}

// Recipient is a company contact record. Placeholder substitution reads
// the record current at send time, not at scheduling time.
type Recipient struct {
	CompanyID string
	ChatID    string
	Name      string
	Fields    map[string]string
	UpdatedAt int64
}
