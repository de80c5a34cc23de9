// ABOUTME: End-to-end broker tests over a real WebSocket transport.
// ABOUTME: Covers registration, routing, channels, reservations, rename, liveness.

package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-hive/hive/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBroker(t *testing.T, opts Options) *Broker {
	t.Helper()

	b := New(opts, testLogger())
	require.NoError(t, b.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("broker did not shut down")
		}
	})
	return b
}

// testClient is a raw-frame client, deliberately below the session library
// so tests control exactly what goes over the wire.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
	name string
}

func dialBroker(t *testing.T, b *Broker) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(b.URL(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c := &testClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// connect dials and completes registration, returning the client and its
// registered snapshot.
func connect(t *testing.T, b *Broker, id, name string) (*testClient, *protocol.Message) {
	t.Helper()
	c := dialBroker(t, b)
	c.send(&protocol.Message{Type: protocol.TypeRegister, ID: id, Name: name})
	reg := c.recvType(protocol.TypeRegistered)
	c.id = reg.ID
	for _, a := range reg.Agents {
		if a.ID == reg.ID {
			c.name = a.Name
		}
	}
	return c, reg
}

func (c *testClient) send(m *protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// recv returns the next frame within a bounded wait.
func (c *testClient) recv() *protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "waiting for a frame")
	m, err := protocol.Decode(data)
	require.NoError(c.t, err)
	return m
}

// recvType reads frames until one with the wanted tag arrives, skipping
// interleaved fanout records.
func (c *testClient) recvType(tag string) *protocol.Message {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		if m := c.recv(); m.Type == tag {
			return m
		}
	}
	c.t.Fatalf("no %s record within 20 frames", tag)
	return nil
}

func TestRegistration_Roster(t *testing.T) {
	b := startBroker(t, Options{})

	hub, hubReg := connect(t, b, "hub-001", "hub")
	require.Len(t, hubReg.Agents, 1)
	assert.Equal(t, "hub", hub.name)
	assert.Equal(t, protocol.StatusIdle, hubReg.Agents[0].Status)
	assert.NotEmpty(t, hubReg.Agents[0].LastActivityAt)

	_, scoutReg := connect(t, b, "scout-001", "scout")
	require.Len(t, scoutReg.Agents, 2, "newcomer sees itself in the roster")

	joined := hub.recvType(protocol.TypeAgentJoined)
	require.NotNil(t, joined.Agent)
	assert.Equal(t, "scout", joined.Agent.Name)
	assert.Equal(t, "scout-001", joined.Agent.ID)
}

func TestRegistration_GeneratesMissingID(t *testing.T) {
	b := startBroker(t, Options{})
	_, reg := connect(t, b, "", "anon")
	assert.NotEmpty(t, reg.ID)
}

func TestRegistration_DuplicateNameGetsSuffix(t *testing.T) {
	b := startBroker(t, Options{})

	connect(t, b, "s1", "scout")
	s2, _ := connect(t, b, "s2", "scout")
	s3, _ := connect(t, b, "s3", "scout")

	assert.Equal(t, "scout-2", s2.name)
	assert.Equal(t, "scout-3", s3.name)
}

func TestRegistration_DuplicateIDRejected(t *testing.T) {
	b := startBroker(t, Options{})
	connect(t, b, "dup", "one")

	c := dialBroker(t, b)
	c.send(&protocol.Message{Type: protocol.TypeRegister, ID: "dup", Name: "two"})
	errRec := c.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "already registered")

	// The handshake stays open; a fresh id succeeds.
	c.send(&protocol.Message{Type: protocol.TypeRegister, ID: "dup-2", Name: "two"})
	c.recvType(protocol.TypeRegistered)
}

func TestFirstRecordMustBeRegister(t *testing.T) {
	b := startBroker(t, Options{})

	c := dialBroker(t, b)
	c.send(&protocol.Message{Type: protocol.TypeDM, To: "anyone", Content: "hi"})
	errRec := c.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "register")

	c.send(&protocol.Message{Type: protocol.TypeRegister, ID: "late", Name: "late"})
	c.recvType(protocol.TypeRegistered)
}

func TestInvalidJSON(t *testing.T) {
	b := startBroker(t, Options{})
	c, _ := connect(t, b, "a1", "a")

	c.sendRaw("{definitely not json")
	errRec := c.recvType(protocol.TypeError)
	assert.Equal(t, "Invalid JSON", errRec.Message)

	// The session survives framing errors.
	c.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	c.recvType(protocol.TypeHeartbeatAck)
}

func TestDM_CorrelatedRoundTrip(t *testing.T) {
	b := startBroker(t, Options{})
	hub, _ := connect(t, b, "hub-001", "hub")
	scout, _ := connect(t, b, "scout-001", "scout")

	hub.send(&protocol.Message{Type: protocol.TypeDM, To: "scout", Content: "What did you find?", CorrelationID: "c1"})

	dm := scout.recvType(protocol.TypeDM)
	assert.Equal(t, "hub-001", dm.From)
	assert.Equal(t, "hub", dm.FromName)
	assert.Equal(t, "What did you find?", dm.Content)
	assert.Equal(t, "c1", dm.CorrelationID)

	scout.send(&protocol.Message{Type: protocol.TypeDMResponse, To: "hub", CorrelationID: "c1", Content: "Found 12 files"})

	resp := hub.recvType(protocol.TypeDMResponse)
	assert.Equal(t, "c1", resp.CorrelationID)
	assert.Equal(t, "Found 12 files", resp.Content)
	assert.Equal(t, "scout", resp.FromName)
}

func TestDM_UnknownTarget(t *testing.T) {
	b := startBroker(t, Options{})
	hub, _ := connect(t, b, "hub-001", "hub")

	hub.send(&protocol.Message{Type: protocol.TypeDM, To: "ghost", Content: "hello?", CorrelationID: "e1"})

	errRec := hub.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "not online")
	assert.Equal(t, "e1", errRec.CorrelationID)
}

func TestDMResponse_UnknownTargetSilentlyDropped(t *testing.T) {
	b := startBroker(t, Options{})
	a, _ := connect(t, b, "a1", "a")

	a.send(&protocol.Message{Type: protocol.TypeDMResponse, To: "vanished", CorrelationID: "x", Content: "late"})

	// No error comes back; the next round-trip proves the session is clean.
	a.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	m := a.recv()
	assert.Equal(t, protocol.TypeHeartbeatAck, m.Type)
}

func TestBroadcast_ExcludesSender(t *testing.T) {
	b := startBroker(t, Options{})
	a, _ := connect(t, b, "a1", "a")
	c2, _ := connect(t, b, "b1", "b")
	c3, _ := connect(t, b, "c1", "c")
	a.recvType(protocol.TypeAgentJoined) // b
	a.recvType(protocol.TypeAgentJoined) // c

	a.send(&protocol.Message{Type: protocol.TypeBroadcast, Content: "standup in 5"})

	for _, c := range []*testClient{c2, c3} {
		m := c.recvType(protocol.TypeBroadcast)
		assert.Equal(t, "a1", m.From)
		assert.Equal(t, "a", m.FromName)
		assert.Equal(t, "standup in 5", m.Content)
	}

	// The sender's next frame is the heartbeat ack, not its own broadcast.
	a.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	m := a.recv()
	assert.Equal(t, protocol.TypeHeartbeatAck, m.Type)
}

func TestChannel_Lifecycle(t *testing.T) {
	b := startBroker(t, Options{})
	alice, _ := connect(t, b, "a1", "alice")
	bob, _ := connect(t, b, "b1", "bob")

	// Create: everyone hears about it, creator is the sole member.
	alice.send(&protocol.Message{Type: protocol.TypeChannelCreate, Channel: "dev"})
	created := alice.recvType(protocol.TypeChannelCreated)
	assert.Equal(t, "dev", created.Channel)
	assert.Equal(t, "alice", created.By)
	bobSaw := bob.recvType(protocol.TypeChannelCreated)
	assert.Equal(t, "dev", bobSaw.Channel)

	// Duplicate create fails.
	alice.send(&protocol.Message{Type: protocol.TypeChannelCreate, Channel: "dev"})
	errRec := alice.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "already exists")

	// Join: joiner and existing members both observe it.
	bob.send(&protocol.Message{Type: protocol.TypeChannelJoin, Channel: "dev"})
	joined := bob.recvType(protocol.TypeChannelJoined)
	assert.Equal(t, "b1", joined.AgentID)
	assert.Equal(t, "bob", joined.AgentName)
	aliceSaw := alice.recvType(protocol.TypeChannelJoined)
	assert.Equal(t, "b1", aliceSaw.AgentID)

	// Send: members except sender get channel_message, sender gets the ack.
	alice.send(&protocol.Message{Type: protocol.TypeChannelSend, Channel: "dev", Content: "ship it"})
	msg := bob.recvType(protocol.TypeChannelMessage)
	assert.Equal(t, "dev", msg.Channel)
	assert.Equal(t, "alice", msg.FromName)
	assert.Equal(t, "ship it", msg.Content)
	ack := alice.recvType(protocol.TypeChannelSent)
	assert.Equal(t, "dev", ack.Channel)

	// List reflects membership.
	alice.send(&protocol.Message{Type: protocol.TypeListChannels})
	list := alice.recvType(protocol.TypeChannelList)
	require.Len(t, list.Channels, 1)
	assert.Equal(t, "dev", list.Channels[0].Name)
	assert.ElementsMatch(t, []string{"a1", "b1"}, list.Channels[0].Members)
	assert.Equal(t, "alice", list.Channels[0].CreatedBy)

	// Leave: remaining member and leaver both observe it.
	bob.send(&protocol.Message{Type: protocol.TypeChannelLeave, Channel: "dev"})
	left := bob.recvType(protocol.TypeChannelLeft)
	assert.Equal(t, "b1", left.AgentID)
	alice.recvType(protocol.TypeChannelLeft)

	// Last member leaving deletes the channel.
	alice.send(&protocol.Message{Type: protocol.TypeChannelLeave, Channel: "dev"})
	alice.recvType(protocol.TypeChannelLeft)

	alice.send(&protocol.Message{Type: protocol.TypeChannelSend, Channel: "dev", Content: "anyone?"})
	errRec = alice.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "not found")
}

func TestChannel_SendRequiresMembership(t *testing.T) {
	b := startBroker(t, Options{})
	alice, _ := connect(t, b, "a1", "alice")
	bob, _ := connect(t, b, "b1", "bob")

	alice.send(&protocol.Message{Type: protocol.TypeChannelCreate, Channel: "dev"})
	bob.recvType(protocol.TypeChannelCreated)

	bob.send(&protocol.Message{Type: protocol.TypeChannelSend, Channel: "dev", Content: "hi"})
	errRec := bob.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "not a member")

	bob.send(&protocol.Message{Type: protocol.TypeChannelLeave, Channel: "dev"})
	errRec = bob.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "not a member")
}

func TestReservation_ConflictAndRelease(t *testing.T) {
	b := startBroker(t, Options{})
	w, _ := connect(t, b, "w1", "writer")
	r, _ := connect(t, b, "r1", "rival")

	// Reserve: everyone, including the caller, observes the update.
	w.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{"/repo/src/a.ts"}, Reason: "editing"})
	update := w.recvType(protocol.TypeReservationsUpdated)
	require.Contains(t, update.Reservations, "w1")
	assert.Equal(t, []string{"/repo/src/a.ts"}, update.Reservations["w1"].Paths)
	r.recvType(protocol.TypeReservationsUpdated)

	// Conflicting reserve names the owner and reason.
	r.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{"/repo/src/a.ts"}})
	errRec := r.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "writer")
	assert.Contains(t, errRec.Message, "editing")
	assert.Contains(t, errRec.Message, "/repo/src/a.ts")

	// Release frees the path for the rival.
	w.send(&protocol.Message{Type: protocol.TypeRelease, Paths: []string{"/repo/src/a.ts"}})
	update = w.recvType(protocol.TypeReservationsUpdated)
	assert.NotContains(t, update.Reservations, "w1")
	r.recvType(protocol.TypeReservationsUpdated)

	r.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{"/repo/src/a.ts"}})
	update = r.recvType(protocol.TypeReservationsUpdated)
	assert.Contains(t, update.Reservations, "r1")
}

func TestReservation_DirectoryBlocksNestedFile(t *testing.T) {
	b := startBroker(t, Options{})
	w, _ := connect(t, b, "w1", "writer")
	r, _ := connect(t, b, "r1", "rival")

	w.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{"/repo/dir/"}})
	w.recvType(protocol.TypeReservationsUpdated)
	r.recvType(protocol.TypeReservationsUpdated)

	r.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{"/repo/dir/sub/file.ts"}})
	errRec := r.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "already reserved")
}

func TestReservation_EmptyPathsRejected(t *testing.T) {
	b := startBroker(t, Options{})
	w, _ := connect(t, b, "w1", "writer")

	w.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{" "}})
	errRec := w.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "at least one")
}

func TestRelease_NoopStillBroadcasts(t *testing.T) {
	b := startBroker(t, Options{})
	a, _ := connect(t, b, "a1", "a")
	c, _ := connect(t, b, "b1", "b")

	a.send(&protocol.Message{Type: protocol.TypeRelease, Paths: []string{"/never/held.ts"}})
	update := a.recvType(protocol.TypeReservationsUpdated)
	assert.Empty(t, update.Reservations)
	c.recvType(protocol.TypeReservationsUpdated)
}

func TestRename(t *testing.T) {
	b := startBroker(t, Options{})
	scout, _ := connect(t, b, "s1", "scout")
	worker, _ := connect(t, b, "w1", "worker")

	scout.send(&protocol.Message{Type: protocol.TypeRename, Name: "scout-renamed"})
	renamed := scout.recvType(protocol.TypeAgentRenamed)
	assert.Equal(t, "s1", renamed.ID)
	assert.Equal(t, "scout", renamed.OldName)
	assert.Equal(t, "scout-renamed", renamed.NewName)
	worker.recvType(protocol.TypeAgentRenamed)

	// DM to the new name reaches the agent.
	worker.send(&protocol.Message{Type: protocol.TypeDM, To: "scout-renamed", Content: "hi"})
	dm := scout.recvType(protocol.TypeDM)
	assert.Equal(t, "hi", dm.Content)

	// DM to the old name fails.
	worker.send(&protocol.Message{Type: protocol.TypeDM, To: "scout", Content: "hello?"})
	errRec := worker.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "not online")

	// Renaming onto a taken name fails.
	scout.send(&protocol.Message{Type: protocol.TypeRename, Name: "worker"})
	errRec = scout.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "taken")

	// A no-op rename still acknowledges with agent_renamed.
	scout.send(&protocol.Message{Type: protocol.TypeRename, Name: "scout-renamed"})
	renamed = scout.recvType(protocol.TypeAgentRenamed)
	assert.Equal(t, "scout-renamed", renamed.OldName)
	assert.Equal(t, "scout-renamed", renamed.NewName)

	// Empty rename is rejected.
	scout.send(&protocol.Message{Type: protocol.TypeRename, Name: "  "})
	errRec = scout.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "empty")
}

func TestRename_RoundTripRestoresNameMap(t *testing.T) {
	b := startBroker(t, Options{})
	scout, _ := connect(t, b, "s1", "scout")
	other, _ := connect(t, b, "o1", "other")

	scout.send(&protocol.Message{Type: protocol.TypeRename, Name: "wanderer"})
	scout.recvType(protocol.TypeAgentRenamed)
	scout.send(&protocol.Message{Type: protocol.TypeRename, Name: "scout"})
	scout.recvType(protocol.TypeAgentRenamed)

	// The original name routes again.
	other.send(&protocol.Message{Type: protocol.TypeDM, To: "scout", Content: "back?"})
	dm := scout.recvType(protocol.TypeDM)
	assert.Equal(t, "back?", dm.Content)
}

func TestDuplicateNameSuffix_SmallestFreeReused(t *testing.T) {
	b := startBroker(t, Options{})

	connect(t, b, "s1", "scout")
	second, _ := connect(t, b, "s2", "scout")
	require.Equal(t, "scout-2", second.name)

	// Free scout-2 and watch the next registrant claim it again.
	require.NoError(t, second.conn.Close())
	require.NoError(t, waitGone(b, "scout-2"))

	third, _ := connect(t, b, "s3", "scout")
	assert.Equal(t, "scout-2", third.name)
}

// waitGone polls the registry until name is free.
func waitGone(b *Broker, name string) error {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		_, taken := b.names[name]
		b.mu.Unlock()
		if !taken {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return context.DeadlineExceeded
}

func TestRename_RewritesChannelAttribution(t *testing.T) {
	b := startBroker(t, Options{})
	alice, _ := connect(t, b, "a1", "alice")

	alice.send(&protocol.Message{Type: protocol.TypeChannelCreate, Channel: "dev"})
	alice.recvType(protocol.TypeChannelCreated)

	alice.send(&protocol.Message{Type: protocol.TypeRename, Name: "alicia"})
	alice.recvType(protocol.TypeAgentRenamed)

	alice.send(&protocol.Message{Type: protocol.TypeListChannels})
	list := alice.recvType(protocol.TypeChannelList)
	require.Len(t, list.Channels, 1)
	assert.Equal(t, "alicia", list.Channels[0].CreatedBy)
}

func TestStatusAndPresence(t *testing.T) {
	b := startBroker(t, Options{})
	a, _ := connect(t, b, "a1", "a")
	observer, _ := connect(t, b, "o1", "observer")

	a.send(&protocol.Message{Type: protocol.TypeStatusUpdate, Status: protocol.StatusBusy})
	changed := observer.recvType(protocol.TypeStatusChanged)
	assert.Equal(t, "a1", changed.ID)
	assert.Equal(t, "a", changed.Name)
	assert.Equal(t, protocol.StatusBusy, changed.Status)

	a.send(&protocol.Message{Type: protocol.TypePresenceUpdate, StatusMessage: "grinding tests", LastActivityAt: "2026-08-24T12:00:00Z"})
	changed = observer.recvType(protocol.TypeStatusChanged)
	assert.Equal(t, protocol.StatusBusy, changed.Status, "status_changed carries the full triple")
	assert.Equal(t, "grinding tests", changed.StatusMessage)
	assert.Equal(t, "2026-08-24T12:00:00Z", changed.LastActivityAt)

	// Clearing the message keeps the last activity timestamp.
	a.send(&protocol.Message{Type: protocol.TypePresenceUpdate})
	changed = observer.recvType(protocol.TypeStatusChanged)
	assert.Empty(t, changed.StatusMessage)
	assert.Equal(t, "2026-08-24T12:00:00Z", changed.LastActivityAt)

	a.send(&protocol.Message{Type: protocol.TypeStatusUpdate, Status: "sleeping"})
	errRec := a.recvType(protocol.TypeError)
	assert.Contains(t, errRec.Message, "invalid status")
}

func TestDisconnect_ClearsReservationsAndRoster(t *testing.T) {
	b := startBroker(t, Options{})
	locker, _ := connect(t, b, "l1", "L")
	watcher, _ := connect(t, b, "w1", "W")

	locker.send(&protocol.Message{Type: protocol.TypeReserve, Paths: []string{"/repo/locker.ts"}})
	locker.recvType(protocol.TypeReservationsUpdated)
	watcher.recvType(protocol.TypeReservationsUpdated)

	require.NoError(t, locker.conn.Close())

	update := watcher.recvType(protocol.TypeReservationsUpdated)
	assert.NotContains(t, update.Reservations, "l1")
	left := watcher.recvType(protocol.TypeAgentLeft)
	assert.Equal(t, "L", left.Name)
	assert.Equal(t, "l1", left.ID)
}

func TestDisconnectAgentByName(t *testing.T) {
	b := startBroker(t, Options{})
	victim, _ := connect(t, b, "v1", "victim")
	watcher, _ := connect(t, b, "w1", "watcher")

	require.NoError(t, b.DisconnectAgentByName("victim"))

	left := watcher.recvType(protocol.TypeAgentLeft)
	assert.Equal(t, "victim", left.Name)

	// The evicted side observes a transport close.
	require.NoError(t, victim.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := victim.conn.ReadMessage(); err != nil {
			break
		}
	}

	assert.ErrorIs(t, b.DisconnectAgentByName("victim"), ErrAgentNotFound)
}

func TestReaper_EvictsSilentAgents(t *testing.T) {
	b := startBroker(t, Options{HeartbeatTick: 50 * time.Millisecond, HeartbeatTimeout: 250 * time.Millisecond})

	lively, _ := connect(t, b, "a1", "lively")
	connect(t, b, "s1", "silent")
	lively.recvType(protocol.TypeAgentJoined)

	// Keep the lively agent heartbeating while the silent one goes quiet.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				data, _ := protocol.Encode(&protocol.Message{Type: protocol.TypeHeartbeat})
				if err := lively.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "silent agent was never reaped")
		require.NoError(t, lively.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := lively.conn.ReadMessage()
		require.NoError(t, err)
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		if m.Type == protocol.TypeAgentLeft {
			assert.Equal(t, "silent", m.Name)
			return
		}
	}
}

func TestListAgents_SortedRoster(t *testing.T) {
	b := startBroker(t, Options{})
	c, _ := connect(t, b, "z1", "zulu")
	connect(t, b, "a1", "alpha")
	c.recvType(protocol.TypeAgentJoined)

	c.send(&protocol.Message{Type: protocol.TypeListAgents})
	list := c.recvType(protocol.TypeAgentList)
	require.Len(t, list.Agents, 2)
	assert.Equal(t, "alpha", list.Agents[0].Name)
	assert.Equal(t, "zulu", list.Agents[1].Name)
}

func TestUnknownTagIgnored(t *testing.T) {
	b := startBroker(t, Options{})
	c, _ := connect(t, b, "a1", "a")

	c.send(&protocol.Message{Type: "telepathy"})
	c.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	m := c.recv()
	assert.Equal(t, protocol.TypeHeartbeatAck, m.Type)
}

func TestHealthEndpoints(t *testing.T) {
	b := startBroker(t, Options{})

	assert.Greater(t, b.Port(), 0)
	assert.NotEmpty(t, b.HubID())
	assert.Contains(t, b.URL(), "ws://127.0.0.1:")
}
