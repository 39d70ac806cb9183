package dispatch

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caseline/relay/internal/model/relay"
	"github.com/caseline/relay/internal/service/queue"
	"github.com/caseline/relay/internal/service/registry"
	"github.com/caseline/relay/internal/service/routing"
)

var (
	ErrNotRegistered    = errors.New("connection is not registered")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrSlowConsumer     = errors.New("outbound buffer full")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Close reasons passed to Conn.Close by the service.
const (
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "server shutting down"
)

// Conn is the write side of one transport connection. Send must not block:
// it either buffers the message or fails with ErrSlowConsumer.
type Conn interface {
	ID() string
	Send(msg relay.Message) error
	Close(reason string) error
}

// Config tunes the dispatch service.
type Config struct {
	// HistorySize bounds the recent message log in Status.
	HistorySize int
	// Presence enables USER_CONNECTED/USER_DISCONNECTED broadcasts.
	Presence bool
	// CloseDisplaced closes a connection whose user registered elsewhere.
	CloseDisplaced bool

	Metrics *Metrics
	Monitor *Monitor
}

// Outcome summarizes what happened to one inbound message.
type Outcome struct {
	MessageID string
	Delivered int
	Queued    int
}

// ClientInfo is the public view of a live session.
type ClientInfo struct {
	UserID      string     `json:"userId"`
	UserType    relay.Role `json:"userType"`
	ConnectedAt time.Time  `json:"connectedAt"`
}

// Service is the relay's dispatch engine. Register, message and disconnect
// events for every connection run under one lock, so a user's queue flush
// always precedes messages routed after the register.
type Service struct {
	mu       sync.Mutex
	conns    map[string]Conn
	registry *registry.Registry
	queue    *queue.Queue
	router   *routing.Router

	cfg     Config
	stats   *stats
	metrics *Metrics
	monitor *Monitor
}

// NewService wires the registry, offline queue and router together.
func NewService(cfg Config, reg *registry.Registry, q *queue.Queue, router *routing.Router) *Service {
	return &Service{
		conns:    make(map[string]Conn),
		registry: reg,
		queue:    q,
		router:   router,
		cfg:      cfg,
		stats:    newStats(cfg.HistorySize),
		metrics:  cfg.Metrics,
		monitor:  cfg.Monitor,
	}
}

// Connect opens an unregistered slot for conn.
func (s *Service) Connect(conn Conn) {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	s.stats.update(func(c *ConnectionStats, _ *MessageStats) {
		c.Total++
		c.Active++
	})
	s.metrics.connected()
	log.Printf("[relay] connection opened conn=%s", conn.ID())
}

// Disconnect releases connID. cause is nil for a clean close; any other value
// counts the connection as failed. Calling it twice is harmless.
func (s *Service) Disconnect(connID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[connID]; !ok {
		return
	}
	s.releaseLocked(connID, cause)
}

// HandleFrame decodes and dispatches one raw frame from connID.
func (s *Service) HandleFrame(connID string, data []byte) (Outcome, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.reject("", OutcomeMalformed, connID, err)
		return Outcome{}, err
	}

	if frame.Type == relay.TypeRegister {
		reg, err := s.Register(connID, frame.UserID, frame.UserType)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Delivered: reg.Flushed}, nil
	}
	return s.Dispatch(connID, frame.Type, frame.Payload)
}

// Registration reports the result of a register event.
type Registration struct {
	Session relay.Session
	Flushed int
}

// Register binds connID to userID. Messages queued for the user are flushed to
// the connection before Register returns.
func (s *Service) Register(connID, userID, userType string) (Registration, error) {
	role, ok := relay.ParseRole(userType)
	if !ok {
		err := fmt.Errorf("%w: %q", registry.ErrInvalidRole, userType)
		s.reject(string(relay.TypeRegister), OutcomeRejected, connID, err)
		return Registration{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connID]
	if !ok {
		return Registration{}, ErrConnectionClosed
	}

	session, displaced, err := s.registry.Upsert(userID, role, connID)
	if err != nil {
		s.reject(string(relay.TypeRegister), OutcomeRejected, connID, err)
		return Registration{}, err
	}
	s.router.Roster().Learn(userID, role)

	if displaced != nil {
		s.displaceLocked(*displaced)
	}

	pending := s.queue.Flush(userID)
	s.metrics.queue(s.queue.Depth(), false)
	log.Printf("[relay] registered user=%s type=%s conn=%s queued=%d", userID, role, connID, len(pending))
	s.monitor.Publish(Event{Kind: "registered", UserID: userID})

	ack := relay.ServerMessage(relay.TypeRegistered, map[string]any{
		"userId":   userID,
		"userType": role,
		"queued":   len(pending),
	})
	if err := conn.Send(ack); err != nil {
		s.requeueLocked(userID, pending)
		s.failLocked(conn, err)
		return Registration{}, err
	}

	for i, msg := range pending {
		if err := conn.Send(msg); err != nil {
			// The queue is empty for userID while we hold the lock, so putting
			// the remainder back keeps FIFO order for the next register.
			s.requeueLocked(userID, pending[i:])
			s.failLocked(conn, err)
			return Registration{}, err
		}
		s.countDelivered(msg, userID, "flush")
	}

	if s.cfg.Presence {
		s.presenceLocked(relay.TypeUserConnected, session)
	}
	return Registration{Session: session, Flushed: len(pending)}, nil
}

// Dispatch routes a message sent on connID.
func (s *Service) Dispatch(connID string, msgType relay.MessageType, payload map[string]any) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.registry.Lookup(connID)
	if !ok {
		s.reject(string(msgType), OutcomeRejected, connID, ErrNotRegistered)
		return Outcome{}, ErrNotRegistered
	}

	msg := relay.NewMessage(msgType, payload, sender.UserID, sender.UserType)
	s.stats.update(func(_ *ConnectionStats, m *MessageStats) { m.Total++ })

	plan, err := s.router.Route(msg, sender, s.registry)
	if err != nil {
		s.routeFailed(msg, connID, err)
		return Outcome{MessageID: msg.ID}, err
	}
	s.stats.remember(plan.Message)

	outcome := Outcome{MessageID: msg.ID}
	for _, d := range plan.Deliveries {
		if d.Live {
			if conn, ok := s.conns[d.ConnectionID]; ok {
				if err := conn.Send(d.Message); err != nil {
					// At-most-once to a live connection: the failing peer is
					// dropped and this copy is lost.
					s.metrics.message(string(d.Message.Type), OutcomeSendFailed)
					s.failLocked(conn, err)
					continue
				}
				s.countDelivered(d.Message, d.UserID, d.Selector.String())
				outcome.Delivered++
				continue
			}
			if d.Selector == routing.Echo || d.Selector == routing.Reply {
				continue
			}
		}

		evicted := s.queue.Enqueue(d.UserID, d.Message)
		s.metrics.queue(s.queue.Depth(), evicted)
		s.metrics.message(string(d.Message.Type), OutcomeQueued)
		s.stats.update(func(_ *ConnectionStats, m *MessageStats) { m.Queued++ })
		s.monitor.Publish(Event{Kind: "queued", MessageID: d.Message.ID, Type: string(d.Message.Type), UserID: d.UserID})
		log.Printf("[relay] queued message id=%s type=%s for offline user=%s pending=%d", d.Message.ID, d.Message.Type, d.UserID, s.queue.Len(d.UserID))
		outcome.Queued++
	}

	if len(plan.Deliveries) == 0 {
		log.Printf("[relay] message id=%s type=%s from user=%s reached no one", msg.ID, msg.Type, sender.UserID)
	}
	return outcome, nil
}

// RecordRateLimited counts a frame the transport refused before decoding.
func (s *Service) RecordRateLimited(connID string) {
	s.reject("", OutcomeRateLimited, connID, ErrRateLimited)
}

// Status returns the operational snapshot.
func (s *Service) Status() Status {
	connections, messages := s.stats.snapshot()
	return Status{
		Connections: connections,
		Messages:    messages,
		Queue: QueueStats{
			Depth:     s.queue.Depth(),
			Evictions: s.queue.Evictions(),
		},
	}
}

// Clients lists the live sessions.
func (s *Service) Clients() []ClientInfo {
	sessions := s.registry.List()
	out := make([]ClientInfo, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, ClientInfo{
			UserID:      session.UserID,
			UserType:    session.UserType,
			ConnectedAt: session.ConnectedAt,
		})
	}
	return out
}

// Online returns the number of registered sessions.
func (s *Service) Online() int {
	return s.registry.Len()
}

// Pending returns per-user offline queue lengths.
func (s *Service) Pending() map[string]int {
	return s.queue.Pending()
}

// Shutdown closes every open connection.
func (s *Service) Shutdown() {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(ReasonShutdown); err != nil {
			log.Printf("[relay] close conn=%s failed: %v", conn.ID(), err)
		}
	}
	s.monitor.Close()
}

func (s *Service) releaseLocked(connID string, cause error) {
	delete(s.conns, connID)

	failed := cause != nil
	s.stats.update(func(c *ConnectionStats, _ *MessageStats) {
		c.Active--
		if failed {
			c.Failed++
		}
	})
	s.metrics.disconnected(failed)

	session, ok := s.registry.Remove(connID)
	if !ok {
		log.Printf("[relay] connection closed conn=%s (unregistered)", connID)
		return
	}

	if failed {
		log.Printf("[relay] connection failed user=%s conn=%s: %v", session.UserID, connID, cause)
	} else {
		log.Printf("[relay] user disconnected user=%s conn=%s", session.UserID, connID)
	}
	s.monitor.Publish(Event{Kind: "disconnected", UserID: session.UserID})
	if s.cfg.Presence {
		s.presenceLocked(relay.TypeUserDisconnected, session)
	}
}

func (s *Service) failLocked(conn Conn, cause error) {
	if _, ok := s.conns[conn.ID()]; !ok {
		return
	}
	s.releaseLocked(conn.ID(), cause)
	if err := conn.Close(cause.Error()); err != nil {
		log.Printf("[relay] close conn=%s failed: %v", conn.ID(), err)
	}
}

func (s *Service) displaceLocked(old relay.Session) {
	log.Printf("[relay] user=%s re-registered, displacing conn=%s", old.UserID, old.ConnectionID)
	if !s.cfg.CloseDisplaced {
		return
	}
	conn, ok := s.conns[old.ConnectionID]
	if !ok {
		return
	}
	delete(s.conns, old.ConnectionID)
	s.stats.update(func(c *ConnectionStats, _ *MessageStats) { c.Active-- })
	s.metrics.disconnected(false)
	if err := conn.Close(ReasonSuperseded); err != nil {
		log.Printf("[relay] close displaced conn=%s failed: %v", old.ConnectionID, err)
	}
}

func (s *Service) requeueLocked(userID string, msgs []relay.Message) {
	for _, msg := range msgs {
		s.queue.Enqueue(userID, msg)
	}
	s.metrics.queue(s.queue.Depth(), false)
}

func (s *Service) presenceLocked(msgType relay.MessageType, subject relay.Session) {
	notice := relay.ServerMessage(msgType, map[string]any{
		"userId":   subject.UserID,
		"userType": subject.UserType,
	})
	var failed []Conn
	var causes []error
	for _, session := range s.registry.List() {
		if session.UserID == subject.UserID {
			continue
		}
		conn, ok := s.conns[session.ConnectionID]
		if !ok {
			continue
		}
		if err := conn.Send(notice); err != nil {
			log.Printf("[relay] presence notice to user=%s failed: %v", session.UserID, err)
			failed = append(failed, conn)
			causes = append(causes, err)
		}
	}
	// Dropping a peer broadcasts its own departure, so this runs after the loop.
	for i, conn := range failed {
		s.failLocked(conn, causes[i])
	}
}

func (s *Service) countDelivered(msg relay.Message, userID, via string) {
	s.metrics.message(string(msg.Type), OutcomeDelivered)
	s.stats.update(func(_ *ConnectionStats, m *MessageStats) { m.Delivered++ })
	s.monitor.Publish(Event{Kind: "delivered", MessageID: msg.ID, Type: string(msg.Type), UserID: userID, Reason: via})
}

func (s *Service) routeFailed(msg relay.Message, connID string, err error) {
	switch {
	case errors.Is(err, routing.ErrUnknownType):
		s.reject(string(msg.Type), OutcomeUnknownType, connID, err)
	default:
		s.reject(string(msg.Type), OutcomeUnresolvable, connID, err)
	}
}

// reject logs and counts a message that will not be delivered.
func (s *Service) reject(msgType, outcome, connID string, err error) {
	// Only known types become label values; client-chosen strings would
	// grow the series set without bound.
	label := "unknown"
	if t := relay.MessageType(msgType); t == relay.TypeRegister || s.router.Known(t) {
		label = msgType
	}
	s.metrics.message(label, outcome)
	s.stats.update(func(_ *ConnectionStats, m *MessageStats) {
		switch outcome {
		case OutcomeMalformed:
			m.Malformed++
		case OutcomeUnknownType:
			m.UnknownType++
		case OutcomeUnresolvable:
			m.Unresolvable++
		case OutcomeRateLimited:
			m.RateLimited++
		}
	})
	s.monitor.Publish(Event{Kind: "dropped", Type: msgType, Reason: err.Error()})
	log.Printf("[relay] dropped message type=%s conn=%s: %v", msgType, connID, err)
}
