// Package protocol defines the lobby wire format: a JSON message envelope
// carried in length-prefixed frames.
package protocol

// Command names understood by the built-in command table.
const (
	CommandGreet     = "greet"
	CommandHeartbeat = "heartbeat"
	CommandAdd       = "add"
)

// Message is the single envelope used for requests, responses and pushes.
//
// A request carries Command and usually RequestId. A response echoes the
// request's RequestId and carries Result or Error. Absent fields are nil and
// are omitted on the wire.
type Message struct {
	RequestId  *string `json:"RequestId,omitempty"`
	Command    *string `json:"Command,omitempty"`
	Parameters Params  `json:"Parameters,omitempty"`
	Result     *string `json:"Result,omitempty"`
	Error      *string `json:"Error,omitempty"`
}

// Str returns a pointer to s, for building envelopes.
func Str(s string) *string { return &s }

// NewRequest builds a request envelope.
//
// Postcondition: RequestId is nil when id is empty.
func NewRequest(id, command string, params Params) *Message {
	m := &Message{Command: Str(command), Parameters: params}
	if id != "" {
		m.RequestId = Str(id)
	}
	return m
}

// NewResult builds a successful response echoing requestID.
func NewResult(requestID *string, result string, params Params) *Message {
	return &Message{RequestId: cloneStr(requestID), Result: Str(result), Parameters: params}
}

// NewError builds an error response echoing requestID.
func NewError(requestID *string, msg string) *Message {
	return &Message{RequestId: cloneStr(requestID), Error: Str(msg)}
}

// ID returns the request id or "" when absent.
func (m *Message) ID() string {
	if m == nil || m.RequestId == nil {
		return ""
	}
	return *m.RequestId
}

// CommandName returns the command or "" when absent.
func (m *Message) CommandName() string {
	if m == nil || m.Command == nil {
		return ""
	}
	return *m.Command
}

// IsError reports whether the message carries an Error.
func (m *Message) IsError() bool {
	return m != nil && m.Error != nil
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
