package routing

import (
	"errors"
	"fmt"

	"github.com/caseline/relay/internal/model/relay"
)

var (
	// ErrNotRoutable marks frames handled outside the router, such as REGISTER.
	ErrNotRoutable = errors.New("message type is not routed")
	// ErrUnknownType marks a type with no routing rule.
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnresolvable marks a message whose recipient cannot be determined.
	ErrUnresolvable = errors.New("recipient cannot be resolved")
	// ErrUnknownRecipient marks a recipient id that maps to no known role.
	ErrUnknownRecipient = errors.New("recipient matches no known role")
)

// Directory is the live session view the router reads.
type Directory interface {
	Get(userID string) (relay.Session, bool)
	ListByRole(role relay.Role) []relay.Session
}

// Config carries the injected routing defaults.
type Config struct {
	// Defaults maps a role to the user id direct rules fall back to.
	Defaults map[relay.Role]string
	// CrimeNumber is stamped onto case-bound messages that lack one.
	// Empty disables stamping.
	CrimeNumber string
}

// Delivery is one resolved target. Live deliveries go out over
// ConnectionID; the rest are queued for UserID.
type Delivery struct {
	UserID       string
	ConnectionID string
	Live         bool
	Selector     SelectorKind
	Message      relay.Message
}

// Plan is the complete recipient set for one inbound message.
type Plan struct {
	Message    relay.Message
	Deliveries []Delivery
}

// Router resolves inbound messages against the routing table.
type Router struct {
	table  Table
	cfg    Config
	roster *Roster
}

// New creates a router. Defaults are added to roster so that offline
// defaults are always queueable.
func New(table Table, cfg Config, roster *Roster) *Router {
	if roster == nil {
		roster = NewRoster(nil)
	}
	defaults := make(map[relay.Role]string, len(cfg.Defaults))
	for role, userID := range cfg.Defaults {
		if userID == "" {
			continue
		}
		defaults[role] = userID
		roster.Learn(userID, role)
	}
	cfg.Defaults = defaults

	return &Router{table: table, cfg: cfg, roster: roster}
}

// Roster exposes the router's roster so registrations can be recorded.
func (r *Router) Roster() *Roster {
	return r.roster
}

// Known reports whether msgType has a routing rule.
func (r *Router) Known(msgType relay.MessageType) bool {
	return r.table.Known(msgType)
}

// Route computes the deliveries for msg sent by sender.
func (r *Router) Route(msg relay.Message, sender relay.Session, dir Directory) (Plan, error) {
	if msg.Type == relay.TypeRegister {
		return Plan{}, ErrNotRoutable
	}

	rule, ok := r.table.Lookup(msg)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	if rule.StampCrimeNumber && r.cfg.CrimeNumber != "" && !msg.Has(relay.KeyCrimeNumber) {
		msg = msg.With(relay.KeyCrimeNumber, r.cfg.CrimeNumber)
	}

	plan := Plan{Message: msg}
	// Each user receives a routed message once; echoes and replies are
	// tracked separately since they carry a different message.
	type deliveryKey struct {
		userID string
		self   bool
	}
	seen := make(map[deliveryKey]struct{})
	add := func(d Delivery) {
		key := deliveryKey{userID: d.UserID, self: d.Selector == Echo || d.Selector == Reply}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		plan.Deliveries = append(plan.Deliveries, d)
	}

	for _, sel := range rule.Selectors {
		out := msg
		for k, v := range sel.Set {
			out = out.With(k, v)
		}

		switch sel.Kind {
		case Direct:
			if err := r.direct(sel, out, sender, dir, add); err != nil {
				return Plan{}, err
			}
		case AnyOfRole:
			if err := r.anyOfRole(sel.Role, out, sender, dir, add); err != nil {
				return Plan{}, err
			}
		case AllOfRole:
			if r.allOfRole(sel.Role, out, sender, dir, add) == 0 && sel.QueueIfNoneLive {
				if err := r.anyOfRole(sel.Role, out, sender, dir, add); err != nil {
					return Plan{}, err
				}
			}
		case OppositeRole:
			role, ok := sender.UserType.Opposite()
			if !ok {
				return Plan{}, fmt.Errorf("%w: %s has no counterpart role", ErrUnresolvable, sender.UserType)
			}
			r.allOfRole(role, out, sender, dir, add)
		case Echo:
			// Only confirm what reached or was queued for someone.
			if len(plan.Deliveries) == 0 {
				continue
			}
			add(Delivery{UserID: sender.UserID, ConnectionID: sender.ConnectionID, Live: true, Selector: Echo, Message: out})
		case Reply:
			if sel.Respond == nil {
				continue
			}
			add(Delivery{UserID: sender.UserID, ConnectionID: sender.ConnectionID, Live: true, Selector: Reply, Message: sel.Respond(out, sender)})
		}
	}

	return plan, nil
}

func (r *Router) direct(sel Selector, msg relay.Message, sender relay.Session, dir Directory, add func(Delivery)) error {
	recipient := msg.String(relay.KeyRecipientID)
	fromDefault := false
	if recipient == "" && sel.UseDefault {
		recipient = r.cfg.Defaults[sel.Role]
		fromDefault = true
	}
	if recipient == "" {
		return fmt.Errorf("%w: %s carries no recipientId and has no default", ErrUnresolvable, msg.Type)
	}

	if session, ok := dir.Get(recipient); ok {
		add(Delivery{UserID: recipient, ConnectionID: session.ConnectionID, Live: true, Selector: Direct, Message: msg})
		return nil
	}

	if sel.BroadcastIfOffline && fromDefault {
		var delivered bool
		for _, session := range dir.ListByRole(sel.Role) {
			if session.UserID == sender.UserID {
				continue
			}
			add(Delivery{UserID: session.UserID, ConnectionID: session.ConnectionID, Live: true, Selector: AllOfRole, Message: msg})
			delivered = true
		}
		if delivered {
			return nil
		}
	}

	if _, known := r.roster.RoleOf(recipient); !known {
		return fmt.Errorf("%w: %q", ErrUnknownRecipient, recipient)
	}
	add(Delivery{UserID: recipient, Selector: Direct, Message: msg})
	return nil
}

func (r *Router) anyOfRole(role relay.Role, msg relay.Message, sender relay.Session, dir Directory, add func(Delivery)) error {
	for _, session := range dir.ListByRole(role) {
		if session.UserID == sender.UserID {
			continue
		}
		add(Delivery{UserID: session.UserID, ConnectionID: session.ConnectionID, Live: true, Selector: AnyOfRole, Message: msg})
		return nil
	}

	if fallback := r.cfg.Defaults[role]; fallback != "" && fallback != sender.UserID {
		add(Delivery{UserID: fallback, Selector: AnyOfRole, Message: msg})
		return nil
	}
	return fmt.Errorf("%w: no %s online and no default configured", ErrUnresolvable, role)
}

// allOfRole delivers to every live session of role except the sender and
// reports how many it found.
func (r *Router) allOfRole(role relay.Role, msg relay.Message, sender relay.Session, dir Directory, add func(Delivery)) int {
	var n int
	for _, session := range dir.ListByRole(role) {
		if session.UserID == sender.UserID {
			continue
		}
		add(Delivery{UserID: session.UserID, ConnectionID: session.ConnectionID, Live: true, Selector: AllOfRole, Message: msg})
		n++
	}
	return n
}
