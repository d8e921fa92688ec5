// Package wire defines the on-wire message format shared by the broker and
// its clients.
//
// Every message is an Envelope: one JSON object serialized on a single line
// and terminated by a line feed. The envelope carries routing metadata (who
// sent it, what kind it is, when) while the Data field holds the typed
// payload for that kind. Unknown fields inside Data are preserved and
// forwarded untouched so that producers and consumers can evolve
// independently of the broker.
//
// Called by: broker service, router, client library
// Calls: Standard JSON marshaling, UUID generation
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the envelope type on the wire.
type Kind string

const (
	KindRegister      Kind = "register"      // first envelope on a connection
	KindSync          Kind = "sync"          // broker ack for a registration
	KindHeartbeat     Kind = "heartbeat"     // keep-alive, no payload
	KindClarification Kind = "clarification" // producer question toward a consumer
	KindYap           Kind = "yap"           // one-way producer notification
	KindResponse      Kind = "response"      // reply travelling back to a producer
	KindError         Kind = "error"         // broker-reported failure
)

// KnownKind reports whether k is one of the envelope kinds above.
func KnownKind(k Kind) bool {
	switch k {
	case KindRegister, KindSync, KindHeartbeat, KindClarification,
		KindYap, KindResponse, KindError:
		return true
	}
	return false
}

// Role is the client type announced at registration and stamped on every
// envelope a client sends.
type Role string

const (
	RoleProducer Role = "mcp-server" // sends clarifications and yaps
	RoleConsumer Role = "cli"        // receives them, sends responses
	RoleBroker   Role = "broker"     // broker-originated envelopes only
)

// RegisterableRole reports whether r may appear in a register envelope.
// RoleBroker is reserved for envelopes the broker originates itself.
func RegisterableRole(r Role) bool {
	return r == RoleProducer || r == RoleConsumer
}

// Urgency grades a clarification request.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// ValidUrgency reports whether u is one of the urgency grades.
func ValidUrgency(u Urgency) bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// Status tracks a clarification through its lifecycle. Transitions are
// pending -> active -> (answered | timeout); terminal states are never
// revisited.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusAnswered Status = "answered"
	StatusTimeout  Status = "timeout"
)

// Envelope is the outermost framed message on the wire.
type Envelope struct {
	// Identification and classification
	ID   string `json:"id"`   // unique per envelope (UUID)
	Type Kind   `json:"type"` // one of the Kind constants

	// Source of the envelope
	ClientID   string `json:"clientId"`   // logical client id, or "broker"
	ClientType Role   `json:"clientType"` // role of the source

	// Timing and sequencing
	Timestamp int64 `json:"timestamp"`          // wall clock, milliseconds since epoch
	Sequence  int64 `json:"sequence,omitempty"` // per-session outbound counter

	// Kind-specific payload; unknown fields are preserved end to end
	Data json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope ready to send.
//
// Generates a unique id, stamps the current wall clock in milliseconds, and
// marshals payload into Data. Pass a json.RawMessage to forward payload
// bytes unchanged.
//
// Parameters:
//   - kind: envelope kind (register, clarification, ...)
//   - clientID: logical id of the sender
//   - role: sender role (RoleProducer, RoleConsumer, RoleBroker)
//   - payload: kind-specific payload, JSON-marshaled into Data
//
// Returns:
//   - *Envelope: ready-to-send envelope
//   - error: JSON marshaling error if payload is not serializable
//
// Called by: client library when sending, broker when forwarding or replying
// Calls: json.Marshal(), uuid.New(), time.Now()
func NewEnvelope(kind Kind, clientID string, role Role, payload interface{}) (*Envelope, error) {
	data, err := marshalData(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:         uuid.New().String(),
		Type:       kind,
		ClientID:   clientID,
		ClientType: role,
		Timestamp:  NowMillis(),
		Data:       data,
	}, nil
}

func marshalData(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// NowMillis returns the current wall clock in milliseconds since the epoch,
// the timestamp unit used everywhere on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// DataMap unmarshals the payload into a generic map. The broker uses this
// when it has to rewrite a single field (for example the clarification
// status on teardown) without dropping fields it does not know about.
func (e *Envelope) DataMap() (map[string]interface{}, error) {
	m := make(map[string]interface{})
	if len(e.Data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that an inbound envelope carries all mandatory fields.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "envelope type is required"}
	}
	if !KnownKind(e.Type) {
		return &ValidationError{Field: "type", Message: "unknown envelope type " + string(e.Type)}
	}
	if e.ClientID == "" {
		return &ValidationError{Field: "clientId", Message: "client id is required"}
	}
	if !RegisterableRole(e.ClientType) {
		return &ValidationError{Field: "clientType", Message: "unknown client type " + string(e.ClientType)}
	}
	if e.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}
	return nil
}

// ValidationError reports a missing or malformed envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
