package webhook

import (
	"encoding/json"
	"time"
)

// Task statuses. Terminal tasks are retained for audit; the relay never
// deletes them.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusExhausted = "exhausted"
)

// Target is a registered outbound callback endpoint for a tenant. Payloads
// are signed with the target's secret so the receiver can authenticate and
// deduplicate deliveries.
type Target struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one pending outbound delivery. DeliveryID is the stable
// identifier included in the payload; downstream targets deduplicate on it,
// which is what makes at-least-once delivery safe.
type Task struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	TargetID      string          `json:"target_id"`
	TargetURL     string          `json:"target_url"`
	DeliveryID    string          `json:"delivery_id"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"-"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Stats summarizes queue state for the health surface and alerting.
type Stats struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Exhausted int `json:"exhausted"`
}
