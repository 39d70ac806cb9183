package routing

import (
	"github.com/caseline/relay/internal/model/cases"
	"github.com/caseline/relay/internal/model/relay"
)

// SelectorKind names how a selector turns a message into recipients.
type SelectorKind int

const (
	// Direct targets payload.recipientId, or the role default when allowed.
	Direct SelectorKind = iota
	// AnyOfRole targets one live session of Role, the longest connected.
	AnyOfRole
	// AllOfRole targets every live session of Role.
	AllOfRole
	// OppositeRole targets every live session of the sender's counterpart role.
	OppositeRole
	// Echo returns a copy to the sender.
	Echo
	// Reply answers the sender with a synthesized message.
	Reply
)

func (k SelectorKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case AnyOfRole:
		return "any-of-role"
	case AllOfRole:
		return "all-of-role"
	case OppositeRole:
		return "opposite-role"
	case Echo:
		return "echo"
	case Reply:
		return "reply"
	default:
		return "unknown"
	}
}

// Responder builds the message a Reply selector sends back.
type Responder func(msg relay.Message, sender relay.Session) relay.Message

// Selector is one target clause of a rule.
type Selector struct {
	Kind SelectorKind
	Role relay.Role

	// UseDefault lets a Direct selector fall back to the role's default id
	// when the payload carries no recipientId.
	UseDefault bool
	// BroadcastIfOffline sends a Direct message to every live session of Role
	// when the role default is offline. With nobody live it is queued. An
	// explicit recipientId is always queued instead.
	BroadcastIfOffline bool
	// QueueIfNoneLive turns an AllOfRole selector with no live session of
	// Role into an AnyOfRole one, so the role default gets it queued.
	QueueIfNoneLive bool

	// Set holds payload fields written onto the copy this selector delivers.
	Set map[string]any

	Respond Responder
}

// Rule maps a message to selectors. Match narrows a rule to some payloads;
// a nil Match accepts everything.
type Rule struct {
	Match            func(relay.Message) bool
	Selectors        []Selector
	StampCrimeNumber bool
}

// Table is the static message type to rules mapping. For each type the first
// matching rule wins.
type Table map[relay.MessageType][]Rule

// Lookup returns the first rule of msgType that matches msg.
func (t Table) Lookup(msg relay.Message) (Rule, bool) {
	for _, rule := range t[msg.Type] {
		if rule.Match == nil || rule.Match(msg) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Known reports whether msgType has any rule.
func (t Table) Known(msgType relay.MessageType) bool {
	_, ok := t[msgType]
	return ok
}

func hasRecipient(msg relay.Message) bool { return msg.Has(relay.KeyRecipientID) }

func isTaskRequest(msg relay.Message) bool { return msg.Bool(relay.KeyTaskRequest) }

// DefaultTable returns the relay's routing table. store backs REQUEST_CASES.
func DefaultTable(store cases.Store) Table {
	toOfficer := Rule{
		StampCrimeNumber: true,
		Selectors: []Selector{{
			Kind:               Direct,
			Role:               relay.RoleOfficer,
			UseDefault:         true,
			BroadcastIfOffline: true,
		}},
	}
	toVictim := Rule{
		StampCrimeNumber: true,
		Selectors: []Selector{{
			Kind:       Direct,
			Role:       relay.RoleVictim,
			UseDefault: true,
		}},
	}
	indicator := []Rule{
		{
			Match:     hasRecipient,
			Selectors: []Selector{{Kind: Direct}},
		},
		{
			Selectors: []Selector{{Kind: OppositeRole}},
		},
	}

	return Table{
		relay.TypeVictimMessage:         {toOfficer},
		relay.TypeAppointmentResponse:   {toOfficer},
		relay.TypePoliceToVictimMessage: {toVictim},
		relay.TypeNewCaseAdded:          {toVictim},
		relay.TypeVCOPUpdate:            {toVictim},
		relay.TypeZoorieUpdate:          {toVictim},
		relay.TypeNewAppointment:        {toVictim},
		relay.TypeAdminMessage: {
			{
				Match:     isTaskRequest,
				Selectors: []Selector{{Kind: AnyOfRole, Role: relay.RoleAdmin}},
			},
			{
				Selectors: []Selector{{Kind: Direct, Role: relay.RoleOfficer}},
			},
		},
		relay.TypeOfficerMessage: {{
			Selectors: []Selector{
				{Kind: AllOfRole, Role: relay.RoleAdmin, QueueIfNoneLive: true},
				{Kind: Echo, Set: map[string]any{relay.KeyConfirmed: true}},
			},
		}},
		relay.TypeTypingIndicator: indicator,
		relay.TypeMessageRead:     indicator,
		relay.TypeRequestCases: {{
			Selectors: []Selector{{Kind: Reply, Respond: caseList(store)}},
		}},
	}
}

// caseList answers with every case, or only the one named by caseId.
func caseList(store cases.Store) Responder {
	return func(msg relay.Message, _ relay.Session) relay.Message {
		items := []cases.Case{}
		if store != nil {
			if id := msg.String(relay.KeyCaseID); id != "" {
				if item, ok := store.FindByID(id); ok {
					items = append(items, item)
				}
			} else {
				items = store.List()
			}
		}
		return relay.ServerMessage(relay.TypeCaseList, map[string]any{"cases": items})
	}
}
