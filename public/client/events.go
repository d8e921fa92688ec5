package client

import (
	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// Role selects the traffic class a client registers as. The broker knows
// producers (agent processes asking questions and yapping) and consumers
// (operator terminals answering them).
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// wireRole maps the logical role onto the client type announced on the wire.
func (r Role) wireRole() (wire.Role, bool) {
	switch r {
	case RoleProducer:
		return wire.RoleProducer, true
	case RoleConsumer:
		return wire.RoleConsumer, true
	}
	return "", false
}

// Urgency grades for clarifications, as accepted by SendClarification.
const (
	UrgencyLow    = string(wire.UrgencyLow)
	UrgencyMedium = string(wire.UrgencyMedium)
	UrgencyHigh   = string(wire.UrgencyHigh)
)

// Status values a received clarification can carry. Anything other than
// pending is a dismissal cue: the question is no longer waiting for an
// answer and must not be prompted.
const (
	StatusPending = string(wire.StatusPending)
	StatusTimeout = string(wire.StatusTimeout)
)

// EventKind tags the entries on the Events channel.
type EventKind string

const (
	// EventSync fires after every completed registration, the reconnected
	// ones included.
	EventSync EventKind = "sync"
	// EventClarification carries a question for the human. A non-pending
	// status is a dismissal cue, not a prompt.
	EventClarification EventKind = "clarification"
	// EventYap carries a one-way notification.
	EventYap EventKind = "yap"
	// EventBrokerError surfaces an error envelope the broker sent.
	EventBrokerError EventKind = "error"
	// EventDisconnected fires when the session drops; a reconnect loop is
	// already scheduled when the event is observed.
	EventDisconnected EventKind = "disconnected"
	// EventReconnectExhausted fires once after the last failed reconnect
	// attempt. The client is finished; Wait unblocks.
	EventReconnectExhausted EventKind = "max_reconnect_attempts_reached"
)

// Event is one tagged entry on the Events channel. Exactly one of the
// payload fields is set, matching Kind.
type Event struct {
	Kind          EventKind
	Clarification *Clarification // EventClarification
	Yap           *Yap           // EventYap
	Err           error          // EventBrokerError, EventDisconnected
}

// Clarification is a question travelling from a producer to a human.
// Producers fill ID, Question and optionally Context and Urgency before
// sending; consumers receive the rest populated by the broker.
type Clarification struct {
	ID        string
	Question  string
	Context   string
	Urgency   string
	Status    string
	Response  string
	SourceID  string // producer that asked
	Timestamp int64  // producer wall clock, milliseconds
}

// Yap is a one-way notification. Mode, Category and TaskContext are opaque
// tags for the consumer UI.
type Yap struct {
	ID          string
	Message     string
	Mode        string
	Category    string
	TaskContext string
	SourceID    string
	Timestamp   int64
}

func clarificationFromEnvelope(env *wire.Envelope) (*Clarification, error) {
	var p wire.ClarificationPayload
	if err := env.DecodeData(&p); err != nil {
		return nil, err
	}
	return &Clarification{
		ID:        p.ID,
		Question:  p.Question,
		Context:   p.Context,
		Urgency:   string(p.Urgency),
		Status:    string(p.Status),
		Response:  p.Response,
		SourceID:  env.ClientID,
		Timestamp: p.Timestamp,
	}, nil
}

func yapFromEnvelope(env *wire.Envelope) (*Yap, error) {
	var p wire.YapPayload
	if err := env.DecodeData(&p); err != nil {
		return nil, err
	}
	return &Yap{
		ID:          p.ID,
		Message:     p.Message,
		Mode:        p.Mode,
		Category:    p.Category,
		TaskContext: p.TaskContext,
		SourceID:    env.ClientID,
		Timestamp:   p.Timestamp,
	}, nil
}
