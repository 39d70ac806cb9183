package dispatch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseline/relay/internal/model/cases"
	"github.com/caseline/relay/internal/model/relay"
	"github.com/caseline/relay/internal/service/queue"
	"github.com/caseline/relay/internal/service/registry"
	"github.com/caseline/relay/internal/service/routing"
)

type fakeConn struct {
	id     string
	limit  int
	mu     sync.Mutex
	msgs   []relay.Message
	closed bool
	reason string
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg relay.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.limit > 0 && len(c.msgs) >= c.limit {
		return ErrSlowConsumer
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) received() []relay.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Message(nil), c.msgs...)
}

// routed returns received messages of routable types, skipping acks and
// presence notices.
func (c *fakeConn) routed() []relay.Message {
	var out []relay.Message
	for _, msg := range c.received() {
		switch msg.Type {
		case relay.TypeRegistered, relay.TypeUserConnected, relay.TypeUserDisconnected:
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fixture struct {
	svc     *Service
	reg     *registry.Registry
	queue   *queue.Queue
	metrics *Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	reg := registry.New()
	q := queue.New(0)
	router := routing.New(
		routing.DefaultTable(cases.NewMemoryStore(cases.Seed())),
		routing.Config{
			Defaults: map[relay.Role]string{
				relay.RoleVictim:  "victim-michael",
				relay.RoleOfficer: "off1",
			},
			CrimeNumber: "CRI/UNASSIGNED",
		},
		routing.NewRoster(nil),
	)
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := Config{HistorySize: 5, CloseDisplaced: true, Metrics: metrics}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		svc:     NewService(cfg, reg, q, router),
		reg:     reg,
		queue:   q,
		metrics: metrics,
	}
}

func (f *fixture) connect(t *testing.T, connID, userID string, role relay.Role) *fakeConn {
	t.Helper()
	conn := newFakeConn(connID)
	f.svc.Connect(conn)
	_, err := f.svc.Register(connID, userID, string(role))
	require.NoError(t, err)
	return conn
}

func TestFlushDeliversQueuedMessagesInOrderOnRegister(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	const n = 5
	var ids []string
	for i := 0; i < n; i++ {
		out, err := f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"seq": i})
		require.NoError(t, err)
		assert.Equal(t, 1, out.Queued)
		ids = append(ids, out.MessageID)
	}
	require.Equal(t, n, f.queue.Len("victim-michael"))

	victim := newFakeConn("conn-victim")
	f.svc.Connect(victim)
	reg, err := f.svc.Register("conn-victim", "victim-michael", "victim")
	require.NoError(t, err)
	assert.Equal(t, n, reg.Flushed)

	received := victim.received()
	require.Len(t, received, n+1)
	assert.Equal(t, relay.TypeRegistered, received[0].Type)
	assert.Equal(t, n, received[0].Payload["queued"])
	for i, msg := range received[1:] {
		assert.Equal(t, ids[i], msg.ID, "position %d", i)
	}
	assert.Equal(t, 0, f.queue.Len("victim-michael"))
}

func TestQueuedMessagesPrecedeLaterOnes(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	_, err := f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"text": "first"})
	require.NoError(t, err)

	victim := f.connect(t, "conn-victim", "victim-michael", relay.RoleVictim)
	_, err = f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"text": "second"})
	require.NoError(t, err)

	routed := victim.routed()
	require.Len(t, routed, 2)
	assert.Equal(t, "first", routed[0].String("text"))
	assert.Equal(t, "second", routed[1].String("text"))
}

func TestRegisterDisplacesPreviousConnection(t *testing.T) {
	f := newFixture(t, nil)
	first := f.connect(t, "conn-1", "off1", relay.RoleOfficer)
	second := f.connect(t, "conn-2", "off1", relay.RoleOfficer)

	session, ok := f.reg.Get("off1")
	require.True(t, ok)
	assert.Equal(t, "conn-2", session.ConnectionID)
	assert.Equal(t, 1, f.reg.Len())

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	// The stale connection is gone: its late events are ignored.
	_, err := f.svc.Dispatch("conn-1", relay.TypeOfficerMessage, nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
	f.svc.Disconnect("conn-1", nil)
	_, ok = f.reg.Get("off1")
	assert.True(t, ok)
}

func TestRegisterKeepsDisplacedConnectionOpenWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.CloseDisplaced = false })
	first := f.connect(t, "conn-1", "off1", relay.RoleOfficer)
	f.connect(t, "conn-2", "off1", relay.RoleOfficer)

	assert.False(t, first.isClosed())
	_, err := f.svc.Dispatch("conn-1", relay.TypeOfficerMessage, nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDirectRouteToLiveVictimIsNeverQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)
	victim := f.connect(t, "conn-victim", "victim-michael", relay.RoleVictim)

	out, err := f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"text": "we have news"})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, 0, out.Queued)
	assert.Empty(t, f.svc.Pending())

	routed := victim.routed()
	require.Len(t, routed, 1)
	assert.Equal(t, "we have news", routed[0].String("text"))
	assert.Equal(t, "off1", routed[0].SenderID)
	assert.Equal(t, relay.RoleOfficer, routed[0].SenderType)
}

func TestOfficerMessageFansOutToAdminsWithSingleEcho(t *testing.T) {
	f := newFixture(t, nil)
	officer := f.connect(t, "conn-off1", "off1", relay.RoleOfficer)
	admin1 := f.connect(t, "conn-a1", "admin1", relay.RoleAdmin)
	admin2 := f.connect(t, "conn-a2", "admin2", relay.RoleAdmin)

	out, err := f.svc.Dispatch("conn-off1", relay.TypeOfficerMessage, map[string]any{"text": "shift report"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Delivered)

	for _, admin := range []*fakeConn{admin1, admin2} {
		routed := admin.routed()
		require.Len(t, routed, 1)
		assert.Equal(t, "shift report", routed[0].String("text"))
		assert.False(t, routed[0].Has(relay.KeyConfirmed))
	}

	echoes := officer.routed()
	require.Len(t, echoes, 1)
	assert.True(t, echoes[0].Bool(relay.KeyConfirmed))
}

func TestUnknownTypeIsDroppedAndCounted(t *testing.T) {
	f := newFixture(t, nil)
	officer := f.connect(t, "conn-off1", "off1", relay.RoleOfficer)
	admin := f.connect(t, "conn-a1", "admin1", relay.RoleAdmin)

	out, err := f.svc.HandleFrame("conn-off1", []byte(`{"type":"BOGUS","payload":{"x":1}}`))
	assert.ErrorIs(t, err, routing.ErrUnknownType)
	assert.Zero(t, out.Delivered)
	assert.Zero(t, out.Queued)

	assert.Empty(t, officer.routed())
	assert.Empty(t, admin.routed())
	assert.Empty(t, f.svc.Pending())
	assert.False(t, officer.isClosed())

	status := f.svc.Status()
	assert.Equal(t, int64(1), status.Messages.UnknownType)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.messages.WithLabelValues("unknown", OutcomeUnknownType)))
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	for _, raw := range []string{`not json`, `{"payload":{}}`, `{"type":"OFFICER_MESSAGE","payload":[1,2]}`} {
		_, err := f.svc.HandleFrame("conn-off1", []byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}

	assert.False(t, conn.isClosed())
	assert.Equal(t, int64(3), f.svc.Status().Messages.Malformed)
	_, ok := f.reg.Get("off1")
	assert.True(t, ok)
}

func TestDispatchBeforeRegisterIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Connect(newFakeConn("conn-anon"))

	_, err := f.svc.Dispatch("conn-anon", relay.TypeVictimMessage, map[string]any{"text": "hi"})
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, f.svc.Pending())
}

func TestRegisterRejectsInvalidRole(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Connect(newFakeConn("conn-1"))

	_, err := f.svc.Register("conn-1", "someone", "judge")
	assert.ErrorIs(t, err, registry.ErrInvalidRole)

	_, err = f.svc.Register("conn-missing", "off1", "officer")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	victim := newFakeConn("conn-victim")
	victim.limit = 1 // room for the REGISTERED ack only
	f.svc.Connect(victim)
	_, err := f.svc.Register("conn-victim", "victim-michael", "victim")
	require.NoError(t, err)

	out, err := f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"text": "lost"})
	require.NoError(t, err)
	assert.Zero(t, out.Delivered)

	assert.True(t, victim.isClosed())
	_, ok := f.reg.Get("victim-michael")
	assert.False(t, ok)

	status := f.svc.Status()
	assert.Equal(t, int64(1), status.Connections.Failed)
	assert.Equal(t, int64(1), status.Connections.Active)

	// Later messages are queued for the next session.
	out, err = f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"text": "kept"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Queued)
}

func TestFlushFailureRequeuesRemainder(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)
	for i := 0; i < 3; i++ {
		_, err := f.svc.Dispatch("conn-off1", relay.TypeNewAppointment, map[string]any{"seq": i})
		require.NoError(t, err)
	}

	victim := newFakeConn("conn-victim")
	victim.limit = 2 // ack plus one message
	f.svc.Connect(victim)
	_, err := f.svc.Register("conn-victim", "victim-michael", "victim")
	assert.ErrorIs(t, err, ErrSlowConsumer)
	assert.True(t, victim.isClosed())

	retry := f.connect(t, "conn-victim-2", "victim-michael", relay.RoleVictim)
	routed := retry.routed()
	require.Len(t, routed, 2)
	assert.Equal(t, 1, routed[0].Payload["seq"])
	assert.Equal(t, 2, routed[1].Payload["seq"])
}

func TestPresenceBroadcasts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Presence = true })
	officer := f.connect(t, "conn-off1", "off1", relay.RoleOfficer)
	f.connect(t, "conn-a1", "admin1", relay.RoleAdmin)
	f.svc.Disconnect("conn-a1", nil)

	var kinds []relay.MessageType
	for _, msg := range officer.received() {
		kinds = append(kinds, msg.Type)
	}
	assert.Equal(t, []relay.MessageType{relay.TypeRegistered, relay.TypeUserConnected, relay.TypeUserDisconnected}, kinds)
	assert.Empty(t, f.svc.Pending(), "presence notices are never queued")
}

func TestDisconnectCountsFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-1", "off1", relay.RoleOfficer)
	f.connect(t, "conn-2", "admin1", relay.RoleAdmin)

	f.svc.Disconnect("conn-1", nil)
	f.svc.Disconnect("conn-2", fmt.Errorf("read: connection reset"))
	f.svc.Disconnect("conn-2", nil)

	status := f.svc.Status()
	assert.Equal(t, int64(2), status.Connections.Total)
	assert.Equal(t, int64(0), status.Connections.Active)
	assert.Equal(t, int64(1), status.Connections.Failed)
	assert.Empty(t, f.svc.Clients())
}

func TestNewCaseAddedScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	_, err := f.svc.HandleFrame("conn-off1", []byte(`{"type":"NEW_CASE_ADDED","payload":{"id":"case1","crimeNumber":"CRI1/24"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.Len("victim-michael"))

	victim := newFakeConn("conn-victim")
	f.svc.Connect(victim)
	out, err := f.svc.HandleFrame("conn-victim", []byte(`{"type":"REGISTER","payload":{"userId":"victim-michael","userType":"victim"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Delivered)

	routed := victim.routed()
	require.Len(t, routed, 1)
	assert.Equal(t, relay.TypeNewCaseAdded, routed[0].Type)
	assert.Equal(t, "case1", routed[0].String("id"))
	assert.Equal(t, "CRI1/24", routed[0].String(relay.KeyCrimeNumber))
	assert.Equal(t, 0, f.queue.Len("victim-michael"))
}

func TestStatusKeepsRecentHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	for i := 0; i < 7; i++ {
		_, err := f.svc.Dispatch("conn-off1", relay.TypeZoorieUpdate, map[string]any{"seq": i})
		require.NoError(t, err)
	}

	history := f.svc.Status().Messages.RecentHistory
	require.Len(t, history, 5)
	for i, msg := range history {
		assert.Equal(t, i+2, msg.Payload["seq"])
	}
	assert.Equal(t, int64(7), f.svc.Status().Messages.Total)
}

func TestRequestCasesRepliesToSender(t *testing.T) {
	f := newFixture(t, nil)
	victim := f.connect(t, "conn-victim", "victim-michael", relay.RoleVictim)

	_, err := f.svc.HandleFrame("conn-victim", []byte(`{"type":"REQUEST_CASES"}`))
	require.NoError(t, err)

	routed := victim.routed()
	require.Len(t, routed, 1)
	assert.Equal(t, relay.TypeCaseList, routed[0].Type)
	assert.Empty(t, f.svc.Pending())
}

func TestMonitorReceivesEvents(t *testing.T) {
	monitor := NewMonitor()
	f := newFixture(t, func(c *Config) { c.Monitor = monitor })
	events, unsub := monitor.Subscribe()
	defer unsub()

	f.connect(t, "conn-off1", "off1", relay.RoleOfficer)
	_, err := f.svc.Dispatch("conn-off1", relay.TypePoliceToVictimMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	var kinds []string
	for len(events) > 0 {
		ev := <-events
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"registered", "queued"}, kinds)
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newFixture(t, nil)
	a := f.connect(t, "conn-1", "off1", relay.RoleOfficer)
	b := newFakeConn("conn-2")
	f.svc.Connect(b)

	f.svc.Shutdown()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestOfficerMessageQueuedForAdminDefaultWhenNoAdminLive(t *testing.T) {
	reg := registry.New()
	q := queue.New(0)
	router := routing.New(
		routing.DefaultTable(cases.NewMemoryStore(cases.Seed())),
		routing.Config{Defaults: map[relay.Role]string{
			relay.RoleOfficer: "off1",
			relay.RoleAdmin:   "admin1",
		}},
		routing.NewRoster(nil),
	)
	svc := NewService(Config{}, reg, q, router)

	officer := newFakeConn("conn-off1")
	svc.Connect(officer)
	_, err := svc.Register("conn-off1", "off1", string(relay.RoleOfficer))
	require.NoError(t, err)

	out, err := svc.Dispatch("conn-off1", relay.TypeOfficerMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Queued)
	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, 1, q.Len("admin1"))

	echoes := officer.routed()
	require.Len(t, echoes, 1)
	assert.True(t, echoes[0].Bool(relay.KeyConfirmed))

	admin := newFakeConn("conn-a1")
	svc.Connect(admin)
	registration, err := svc.Register("conn-a1", "admin1", string(relay.RoleAdmin))
	require.NoError(t, err)
	assert.Equal(t, 1, registration.Flushed)
	require.Len(t, admin.routed(), 1)
	assert.Equal(t, "hi", admin.routed()[0].String("text"))
}

func TestOfficerMessageWithNoAdminAnywhereIsDroppedWithoutEcho(t *testing.T) {
	f := newFixture(t, nil)
	officer := f.connect(t, "conn-off1", "off1", relay.RoleOfficer)

	_, err := f.svc.Dispatch("conn-off1", relay.TypeOfficerMessage, map[string]any{"text": "hi"})
	assert.ErrorIs(t, err, routing.ErrUnresolvable)
	assert.Empty(t, officer.routed())
	assert.Equal(t, int64(1), f.svc.Status().Messages.Unresolvable)
}

func TestPresenceDisconnectsSlowPeer(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Presence = true })
	officer := newFakeConn("conn-off1")
	officer.limit = 1 // room for the REGISTERED ack only
	f.svc.Connect(officer)
	_, err := f.svc.Register("conn-off1", "off1", string(relay.RoleOfficer))
	require.NoError(t, err)

	f.connect(t, "conn-a1", "admin1", relay.RoleAdmin)

	assert.True(t, officer.isClosed())
	_, ok := f.reg.Get("off1")
	assert.False(t, ok)

	status := f.svc.Status()
	assert.Equal(t, int64(1), status.Connections.Active)
	assert.Equal(t, int64(1), status.Connections.Failed)
}
