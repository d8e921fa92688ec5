package wire

// ClarificationPayload is the data of a clarification envelope. The id is
// assigned by the producer and correlates the eventual response. Status is
// pending while the request waits in a queue; a consumer only prompts the
// human for pending requests, any other status is a dismissal cue.
type ClarificationPayload struct {
	ID        string  `json:"id"`
	Question  string  `json:"question"`
	Context   string  `json:"context,omitempty"`
	Urgency   Urgency `json:"urgency"`
	Timestamp int64   `json:"timestamp"`
	Status    Status  `json:"status"`
	Response  string  `json:"response,omitempty"`
}

// YapPayload is the data of a yap envelope. Mode, category and task context
// are opaque tags for the consumer UI.
type YapPayload struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Mode        string `json:"mode,omitempty"`
	Category    string `json:"category,omitempty"`
	TaskContext string `json:"task_context,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ReplyPayload is the data of a response envelope sent by a consumer: the
// human's answer to the active clarification.
type ReplyPayload struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
}

// ResponsePayload is the data of a response envelope the broker emits toward
// a producer. Response is null when Error is set. CLIID names the consumer
// that answered, when one did.
type ResponsePayload struct {
	RequestID string  `json:"requestId"`
	Response  *string `json:"response"`
	Error     string  `json:"error,omitempty"`
	CLIID     string  `json:"cliId,omitempty"`
}

// SyncPayload acknowledges a registration.
type SyncPayload struct {
	Status string `json:"status"`
}

// SyncRegistered is the status the broker reports in the sync envelope after
// a successful registration.
const SyncRegistered = "registered"

// ErrorPayload carries a human-readable failure reason.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Routing failure texts. They travel verbatim in the error field of a
// response payload, so producers on both sides of the wire can match them.
const (
	ErrTextNoConsumers = "No CLI clients available"
	ErrTextQueueFull   = "queue full"
)
