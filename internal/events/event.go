package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried by the relay. The set is closed: envelopes with an
// unknown event_type are rejected at the boundary as malformed.
const (
	TypeEntityCreated        = "entity.created"
	TypeEntityUpdated        = "entity.updated"
	TypeEntityDeleted        = "entity.deleted"
	TypeEntityCascadeDeleted = "entity.cascade_deleted"
	TypeRoundSubmitted       = "round.submitted"
	TypeServiceCallCreated   = "service_call.created"
	TypeServiceCallAcked     = "service_call.acked"
	TypeServiceCallClosed    = "service_call.closed"
	TypeCheckRequested       = "check.requested"
	TypeCheckPaid            = "check.paid"
	TypePaymentApproved      = "payment.approved"
	TypeTableSessionStarted  = "table_session.started"
	TypeTableCleared         = "table.cleared"
)

var knownTypes = map[string]bool{
	TypeEntityCreated:        true,
	TypeEntityUpdated:        true,
	TypeEntityDeleted:        true,
	TypeEntityCascadeDeleted: true,
	TypeRoundSubmitted:       true,
	TypeServiceCallCreated:   true,
	TypeServiceCallAcked:     true,
	TypeServiceCallClosed:    true,
	TypeCheckRequested:       true,
	TypeCheckPaid:            true,
	TypePaymentApproved:      true,
	TypeTableSessionStarted:  true,
	TypeTableCleared:         true,
}

// ErrMalformedEnvelope is returned when an inbound message cannot be decoded
// into a valid Envelope. The relay loop logs it and skips the message.
var ErrMalformedEnvelope = errors.New("malformed event envelope")

// AffectedEntity identifies a child entity removed by a cascade operation.
type AffectedEntity struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// Envelope is the immutable message unit broadcast through the relay.
// BranchID is empty for tenant-wide events.
type Envelope struct {
	EventType        string           `json:"event_type"`
	TenantID         string           `json:"tenant_id"`
	BranchID         string           `json:"branch_id,omitempty"`
	EntityType       string           `json:"entity_type"`
	EntityID         string           `json:"entity_id"`
	EntityName       string           `json:"entity_name,omitempty"`
	AffectedEntities []AffectedEntity `json:"affected_entities,omitempty"`
	ActorUserID      string           `json:"actor_user_id,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
	CorrelationID    string           `json:"correlation_id"`
}

// NewEnvelope creates an Envelope with a generated correlation ID and the
// current UTC timestamp.
func NewEnvelope(eventType, tenantID, branchID, entityType, entityID string) Envelope {
	return Envelope{
		EventType:     eventType,
		TenantID:      tenantID,
		BranchID:      branchID,
		EntityType:    entityType,
		EntityID:      entityID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}

// ParseEnvelope decodes and validates one wire message. Any decode failure,
// unknown event type, or missing tenant yields ErrMalformedEnvelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !knownTypes[env.EventType] {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEnvelope, env.EventType)
	}
	if env.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant_id", ErrMalformedEnvelope)
	}
	return &env, nil
}
