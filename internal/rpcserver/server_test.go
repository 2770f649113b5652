package rpcserver

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/dispatch"
	"github.com/cory-johannsen/lobby/internal/protocol"
	"github.com/cory-johannsen/lobby/internal/scripting"
	"github.com/cory-johannsen/lobby/internal/testutil"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:              "127.0.0.1",
		Port:              0,
		WriteTimeout:      2 * time.Second,
		MaxFrameSize:      1 << 16,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  15 * time.Second,
		SweepWorkers:      2,
	}
}

func startServer(t *testing.T, cfg config.ServerConfig, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, zaptest.NewLogger(t), opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	deadline := time.After(2 * time.Second)
	for !s.IsRunning() || s.Addr() == "" {
		select {
		case <-deadline:
			t.Fatal("server did not start in time")
		case err := <-errCh:
			t.Fatalf("server exited: %v", err)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Cleanup(s.Stop)
	return s
}

func waitPeers(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.PeerCount() == n }, 2*time.Second, 5*time.Millisecond,
		"expected %d peers, have %d", n, s.PeerCount())
}

func TestGreet_AuthFalse(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())

	resp := c.Call("r1", "greet", protocol.Params(`{"auth":"false"}`))
	require.Nil(t, resp.Error)
	assert.Equal(t, "r1", resp.ID())
	assert.Equal(t, "false", *resp.Result)

	var reply protocol.GreetReply
	require.NoError(t, resp.Parameters.Decode(&reply))
	assert.Equal(t, 0, reply.ClientId)
	assert.Equal(t, c.LocalAddr(), reply.IpAddress)
	_, err := uuid.Parse(reply.SessionId)
	assert.NoError(t, err)

	p, ok := s.Peer(0)
	require.True(t, ok)
	assert.True(t, p.Handshaked())
	assert.False(t, p.Authorized())
	assert.Equal(t, reply.SessionId, p.SessionID())
}

func TestGreet_DefaultsToTrue(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())

	resp := c.Call("r1", "greet", nil)
	assert.Equal(t, "true", *resp.Result)
}

func TestUnknownCommandBeforeHandshakeDisconnects(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())
	waitPeers(t, s, 1)

	resp := c.Call("b1", "bogus", nil)
	assert.Equal(t, "Unknown command: bogus", *resp.Error)
	assert.Equal(t, "b1", resp.ID())
	c.ExpectClosed(2 * time.Second)

	waitPeers(t, s, 0)
	assert.Equal(t, uint64(1), s.Metrics().ProtocolViolations.Get())
}

func TestUnknownCommandAfterHandshakeKeepsConnection(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())

	c.Call("g", "greet", nil)
	resp := c.Call("b2", "bogus", nil)
	assert.Equal(t, "Unknown command: bogus", *resp.Error)

	resp = c.Call("h", "heartbeat", nil)
	assert.Equal(t, "ok", *resp.Result)
	assert.Equal(t, 1, s.PeerCount())
}

func TestAddRequiresHandshake(t *testing.T) {
	s := startServer(t, testConfig())

	c := testutil.NewWireClient(t, s.Addr())
	resp := c.Call("a1", "add", protocol.MustParams(protocol.AddParams{A: 1, B: 2}))
	require.NotNil(t, resp.Error)
	c.ExpectClosed(2 * time.Second)

	c2 := testutil.NewWireClient(t, s.Addr())
	c2.Call("g", "greet", nil)
	resp = c2.Call("a2", "add", protocol.MustParams(protocol.AddParams{A: 20, B: 22}))
	assert.Equal(t, "42", *resp.Result)
}

func TestScriptedCommandBeforeHandshakeDisconnects(t *testing.T) {
	commands := dispatch.DefaultRegistry()
	mgr, err := scripting.Load(config.ScriptingConfig{
		Dir:      filepath.Join("..", "..", "content", "scripts"),
		Manifest: "commands.yaml",
	}, commands, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	s := startServer(t, testConfig(), WithCommands(commands))

	c := testutil.NewWireClient(t, s.Addr())
	resp := c.Call("m1", "motd", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Handshake required before motd", *resp.Error)
	assert.Nil(t, resp.Result)
	c.ExpectClosed(2 * time.Second)
	waitPeers(t, s, 0)

	c2 := testutil.NewWireClient(t, s.Addr())
	c2.Call("g", "greet", nil)
	resp = c2.Call("m2", "motd", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "Welcome to the lobby.", *resp.Result)
}

func TestHeartbeatBeforeHandshakeAccepted(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())

	resp := c.Call("h1", "heartbeat", nil)
	assert.Equal(t, "ok", *resp.Result)
	assert.Equal(t, 1, s.PeerCount())
}

func TestInvalidJSONKeepsConnection(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())

	c.SendRaw([]byte(`{"RequestId":"r1",`))
	resp := c.Receive(2 * time.Second)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "Invalid JSON format: ")
	assert.Nil(t, resp.RequestId)

	c.SendRaw(nil)
	resp = c.Receive(2 * time.Second)
	assert.Contains(t, *resp.Error, "Invalid JSON format: ")

	resp = c.Call("g", "greet", nil)
	assert.Equal(t, "true", *resp.Result)
	assert.Equal(t, uint64(2), s.Metrics().DecodeErrors.Get())
}

func TestOversizeFrameDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 64
	s := startServer(t, cfg)
	c := testutil.NewWireClient(t, s.Addr())

	c.SendRaw(make([]byte, 65))
	c.ExpectClosed(2 * time.Second)
	waitPeers(t, s, 0)
}

func TestFramingSurvivesSegmentation(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())

	frame := func(payload string) []byte {
		b := make([]byte, protocol.HeaderSize+len(payload))
		binary.BigEndian.PutUint32(b, uint32(len(payload)))
		copy(b[protocol.HeaderSize:], payload)
		return b
	}

	// One frame dribbled a byte at a time.
	for _, b := range frame(`{"RequestId":"s1","Command":"heartbeat"}`) {
		c.SendBytes([]byte{b})
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "s1", c.Receive(2*time.Second).ID())

	// Two frames coalesced into one write.
	both := append(frame(`{"RequestId":"s2","Command":"heartbeat"}`), frame(`{"RequestId":"s3","Command":"greet"}`)...)
	c.SendBytes(both)
	assert.Equal(t, "s2", c.Receive(2*time.Second).ID())
	assert.Equal(t, "s3", c.Receive(2*time.Second).ID())
}

func TestSweepEvictsAndReusesID(t *testing.T) {
	s := startServer(t, testConfig())

	c0 := testutil.NewWireClient(t, s.Addr())
	require.Equal(t, "true", *c0.Call("g0", "greet", nil).Result)
	c1 := testutil.NewWireClient(t, s.Addr())
	resp := c1.Call("g1", "greet", nil)
	var reply protocol.GreetReply
	require.NoError(t, resp.Parameters.Decode(&reply))
	assert.Equal(t, 1, reply.ClientId)

	// Only client 1 keeps heartbeating.
	future := time.Now().Add(16 * time.Second)
	p1, ok := s.Peer(1)
	require.True(t, ok)
	p1.Touch(future.Add(-time.Second))

	assert.Equal(t, []int{0}, s.Sweep(future))
	c0.ExpectClosed(2 * time.Second)
	waitPeers(t, s, 1)
	assert.Equal(t, uint64(1), s.Metrics().PeersEvicted.Get())

	c2 := testutil.NewWireClient(t, s.Addr())
	resp = c2.Call("g2", "greet", nil)
	require.NoError(t, resp.Parameters.Decode(&reply))
	assert.Equal(t, 0, reply.ClientId, "evicted id is reused")
}

func TestHeartbeatMonitorEvictsSilentPeer(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	s := startServer(t, cfg)

	c := testutil.NewWireClient(t, s.Addr())
	c.Call("g", "greet", nil)
	c.ExpectClosed(3 * time.Second)
	waitPeers(t, s, 0)
}

func TestHeartbeatKeepsPeerAlive(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	s := startServer(t, testConfig(), WithClock(clock))
	c := testutil.NewWireClient(t, s.Addr())
	c.Call("g", "greet", nil)

	advance(10 * time.Second)
	c.Call("h", "heartbeat", nil)
	advance(10 * time.Second)

	// 10s since the last heartbeat, 20s since connect.
	assert.Empty(t, s.Sweep(clock()))
	advance(6 * time.Second)
	assert.Equal(t, []int{0}, s.Sweep(clock()))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	s := startServer(t, cfg)
	c := testutil.NewWireClient(t, s.Addr())

	assert.NotNil(t, c.Call("g", "greet", nil).Result)
	assert.NotNil(t, c.Call("a", "add", protocol.MustParams(protocol.AddParams{A: 1, B: 1})).Result)

	resp := c.Call("x", "add", protocol.MustParams(protocol.AddParams{A: 1, B: 1}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rate limit exceeded", *resp.Error)
	assert.Equal(t, "x", resp.ID())

	// Heartbeats bypass the limiter and the connection stays open.
	assert.Equal(t, "ok", *c.Call("h", "heartbeat", nil).Result)
	resp = c.Call("p", "ping", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "ok", *resp.Result)
	assert.Equal(t, uint64(1), s.Metrics().RateLimited.Get())
}

func TestPushAndBroadcast(t *testing.T) {
	s := startServer(t, testConfig())
	a := testutil.NewWireClient(t, s.Addr())
	a.Call("g", "greet", nil)
	b := testutil.NewWireClient(t, s.Addr())
	b.Call("g", "greet", nil)

	require.NoError(t, s.Push(1, &protocol.Message{Command: protocol.Str("notice"), Result: protocol.Str("hello b")}))
	msg := b.Receive(2 * time.Second)
	assert.Nil(t, msg.RequestId)
	assert.Equal(t, "hello b", *msg.Result)

	n, err := s.Broadcast(&protocol.Message{Command: protocol.Str("notice"), Result: protocol.Str("all")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "all", *a.Receive(2 * time.Second).Result)
	assert.Equal(t, "all", *b.Receive(2 * time.Second).Result)

	assert.ErrorIs(t, s.Push(99, &protocol.Message{}), ErrPeerNotFound)
}

func TestStatusAndDisconnect(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())
	c.Call("g", "greet", protocol.Params(`{"auth":"false"}`))

	st := s.Status()
	assert.Equal(t, s.Addr(), st.Addr)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, 0, st.Peers[0].ID)
	assert.Equal(t, "handshaked", st.Peers[0].State)
	assert.False(t, st.Peers[0].Authorized)
	assert.Equal(t, c.LocalAddr(), st.Peers[0].RemoteAddr)
	assert.Equal(t, []string{"add", "greet", "heartbeat"}, st.Commands)

	assert.True(t, s.Disconnect(0, "admin"))
	assert.False(t, s.Disconnect(0, "admin"))
	c.ExpectClosed(2 * time.Second)
}

func TestCustomCommands(t *testing.T) {
	commands := dispatch.DefaultRegistry()
	require.NoError(t, commands.Register(dispatch.Command{
		Name: "echo",
		Handler: func(req dispatch.Request) (dispatch.Reply, error) {
			return dispatch.Reply{Result: "echo", Parameters: req.Params()}, nil
		},
	}))
	s := startServer(t, testConfig(), WithCommands(commands))
	c := testutil.NewWireClient(t, s.Addr())
	c.Call("g", "greet", nil)

	resp := c.Call("e", "echo", protocol.Params(`{"x":1}`))
	assert.Equal(t, "echo", *resp.Result)
	assert.JSONEq(t, `{"x":1}`, string(resp.Parameters))
}

func TestStopClosesPeers(t *testing.T) {
	s := startServer(t, testConfig())
	c := testutil.NewWireClient(t, s.Addr())
	c.Call("g", "greet", nil)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, 0, s.PeerCount())
	c.ExpectClosed(2 * time.Second)
}

func TestPeerFailureIsolated(t *testing.T) {
	s := startServer(t, testConfig())
	good := testutil.NewWireClient(t, s.Addr())
	good.Call("g", "greet", nil)

	bad := testutil.NewWireClient(t, s.Addr())
	bad.Call("b", "bogus", nil)
	bad.ExpectClosed(2 * time.Second)

	assert.Equal(t, "ok", *good.Call("h", "heartbeat", nil).Result)
}
