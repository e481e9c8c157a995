package models

import "time"

// Setting is a key-value routing setting.
type Setting struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Account is a registered account: an identity on a connection service plus
// the capabilities a call can be placed with.
type Account struct {
	ID           int64
	Package      string
	Class        string
	HandleID     string
	User         string
	Label        string
	Capabilities string // comma-separated capability names
	Schemes      string // comma-separated URI schemes
	SlotIndex    *int   // logical SIM slot, nil when the account has none
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConnectionService is a SIP gateway or trunk that can carry calls for the
// accounts registered under its component name.
type ConnectionService struct {
	ID                 int64
	Package            string
	Class              string
	Name               string
	Enabled            bool
	BindPermission     bool // service may be bound for call placement
	Trusted            bool // manager-mediated attempts through it are not time-bounded
	SupportsConference bool
	Host               string
	Port               int
	Transport          string
	Username           string
	Password           string
	AuthUsername       string
	CallerIDName       string
	CallerIDNum        string
	PrefixStrip        int
	PrefixAdd          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Attempt log event names.
const (
	AttemptEventStarted   = "started"
	AttemptEventSkipped   = "skipped"
	AttemptEventFailed    = "failed"
	AttemptEventCompleted = "completed"
)

// AttemptLogEntry records one processor event for a call.
type AttemptLogEntry struct {
	ID        string
	CallID    string
	Attempt   int
	Event     string
	Manager   string
	Target    string
	Backend   string
	Cause     string
	Reason    string
	CreatedAt time.Time
}

// APIClient is a machine client allowed to obtain API tokens.
type APIClient struct {
	ID         int64
	Name       string
	SecretHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
