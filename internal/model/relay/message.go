package relay

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of frame types the relay understands.
type MessageType string

const (
	TypeRegister              MessageType = "REGISTER"
	TypeVictimMessage         MessageType = "VICTIM_MESSAGE"
	TypePoliceToVictimMessage MessageType = "POLICE_TO_VICTIM_MESSAGE"
	TypeNewCaseAdded          MessageType = "NEW_CASE_ADDED"
	TypeVCOPUpdate            MessageType = "VCOP_UPDATE"
	TypeZoorieUpdate          MessageType = "ZOORIE_UPDATE"
	TypeNewAppointment        MessageType = "NEW_APPOINTMENT"
	TypeAppointmentResponse   MessageType = "APPOINTMENT_RESPONSE"
	TypeAdminMessage          MessageType = "ADMIN_MESSAGE"
	TypeOfficerMessage        MessageType = "OFFICER_MESSAGE"
	TypeTypingIndicator       MessageType = "TYPING_INDICATOR"
	TypeMessageRead           MessageType = "MESSAGE_READ"
	TypeRequestCases          MessageType = "REQUEST_CASES"

	// Server to client only.
	TypeCaseList         MessageType = "CASE_LIST"
	TypeUserConnected    MessageType = "USER_CONNECTED"
	TypeUserDisconnected MessageType = "USER_DISCONNECTED"
	TypeRegistered       MessageType = "REGISTERED"
	TypeError            MessageType = "ERROR"
)

// Payload keys the router inspects.
const (
	KeyRecipientID = "recipientId"
	KeyCrimeNumber = "crimeNumber"
	KeyTaskRequest = "taskRequest"
	KeyConfirmed   = "confirmed"
	KeyCaseID      = "caseId"
)

// Message is the routed envelope. Treat values as immutable: use With to
// derive a modified copy.
type Message struct {
	ID         string         `json:"id"`
	Type       MessageType    `json:"type"`
	Payload    map[string]any `json:"payload"`
	SenderID   string         `json:"senderId,omitempty"`
	SenderType Role           `json:"senderType,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewMessage stamps an id and timestamp onto a message.
func NewMessage(msgType MessageType, payload map[string]any, senderID string, senderType Role) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		Payload:    clonePayload(payload),
		SenderID:   senderID,
		SenderType: senderType,
		Timestamp:  time.Now().UTC(),
	}
}

// ServerMessage builds a frame originated by the relay itself.
func ServerMessage(msgType MessageType, payload map[string]any) Message {
	return NewMessage(msgType, payload, "", "")
}

// With returns a copy of m whose payload has key set to value.
func (m Message) With(key string, value any) Message {
	out := m
	out.Payload = clonePayload(m.Payload)
	out.Payload[key] = value
	return out
}

// String reads a string payload field, returning "" when absent or not a string.
func (m Message) String(key string) string {
	if m.Payload == nil {
		return ""
	}
	v, _ := m.Payload[key].(string)
	return v
}

// Bool reads a boolean payload field. The strings "true"/"1" count as true.
func (m Message) Bool(key string) bool {
	if m.Payload == nil {
		return false
	}
	switch v := m.Payload[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

// Has reports whether key is present with a non-empty value.
func (m Message) Has(key string) bool {
	if m.Payload == nil {
		return false
	}
	v, ok := m.Payload[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
