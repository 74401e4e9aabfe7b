// Package events contains the event contracts published by the license engine to the
// message bus. Consumers (analytics, compliance) treat them as write-only facts.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the version of the event envelope
const EnvelopeVersion = "1.0"

// EventType names the kind of payload carried by an Envelope
type EventType string

const (
	EventTypeValidation EventType = "license.validation"
	EventTypeDevice     EventType = "license.device"
	EventTypeUsage      EventType = "license.usage"
)

// Envelope wraps every published event
type Envelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a new envelope
func NewEnvelope(eventType EventType, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   EnvelopeVersion,
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ValidationEvent mirrors one ValidationLog entry
type ValidationEvent struct {
	LicenseID  string            `json:"license_id,omitempty"`
	KeyHash    string            `json:"key_hash"`
	Action     string            `json:"action"`
	ResultCode string            `json:"result_code"`
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// DeviceEvent is emitted when a device binding changes
type DeviceEvent struct {
	LicenseID       string    `json:"license_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	Change          string    `json:"change"` // activated, reconnected, deactivated
	ActiveDevices   int       `json:"active_devices"`
	SessionCount    int64     `json:"session_count"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// UsageEvent is emitted for every metered log_usage call
type UsageEvent struct {
	LicenseID    string    `json:"license_id"`
	FeatureKey   string    `json:"feature_key"`
	Quantity     int64     `json:"quantity"`
	UsageCurrent int64     `json:"usage_current"`
	UsageLimit   *int64    `json:"usage_limit,omitempty"`
	Metered      bool      `json:"metered"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Device change kinds
const (
	DeviceChangeActivated   = "activated"
	DeviceChangeReconnected = "reconnected"
	DeviceChangeDeactivated = "deactivated"
)
