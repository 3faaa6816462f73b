package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClock int64 = 1_700_000_000_000

func testConfig() *Config {
	return &Config{
		attackMarksLoser: true,
		bind:             "127.0.0.1",
		countdown:        6 * time.Second,
		maxPlayers:       4,
		minStartPlayers:  1,
		port:             8080,
		winnerPolicy:     winnerReporter,
	}
}

func newTestService(cfg *Config) *RoomService {
	svc := newRoomService(cfg)
	svc.now = func() time.Time {
		return time.UnixMilli(testClock)
	}
	return svc
}

func newTestClient(id string) *client {
	return &client{
		id:   id,
		send: make(chan []byte, 32),
	}
}

// drain decodes every frame currently queued for c without blocking.
func drain(t *testing.T, c *client) []map[string]any {
	t.Helper()

	var out []map[string]any
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var msg map[string]any
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func messageTypes(msgs []map[string]any) []string {
	types := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		types = append(types, msg["type"].(string))
	}
	return types
}

func TestConnectCreatesRoom(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")

	require.True(t, svc.Connect(c1, "r1"))

	msgs := drain(t, c1)
	require.Len(t, msgs, 1, "first joiner should receive INIT and nothing else")

	init := msgs[0]
	assert.Equal(t, typeInit, init["type"])
	assert.Equal(t, "r1", init["roomId"])
	assert.Equal(t, "C1", init["clientId"])
	assert.EqualValues(t, 1, init["totalPlayer"])
	assert.Equal(t, []any{}, init["readyPlayers"])
	assert.Nil(t, init["startTimestamp"])
	assert.Equal(t, false, init["isGameOver"])

	assert.True(t, svc.roomExists("r1"))
	assert.Equal(t, "r1", svc.membership["C1"])
	assert.Same(t, c1, svc.conns["C1"])
}

func TestConnectBroadcastsJoinToOthers(t *testing.T) {
	cfg := testConfig()
	cfg.minStartPlayers = 2
	svc := newTestService(cfg)
	c1 := newTestClient("C1")
	c2 := newTestClient("C2")

	require.True(t, svc.Connect(c1, "r1"))
	svc.SetReady("C1", "r1", true)
	drain(t, c1)

	require.True(t, svc.Connect(c2, "r1"))

	joinerMsgs := drain(t, c2)
	require.Len(t, joinerMsgs, 1, "joiner should not see its own PLAYER_JOIN")
	assert.Equal(t, typeInit, joinerMsgs[0]["type"])
	assert.EqualValues(t, 2, joinerMsgs[0]["totalPlayer"])
	assert.Equal(t, []any{"C1"}, joinerMsgs[0]["readyPlayers"])

	existingMsgs := drain(t, c1)
	require.Len(t, existingMsgs, 1)
	join := existingMsgs[0]
	assert.Equal(t, typePlayerJoin, join["type"])
	assert.Equal(t, "C1", join["clientId"], "broadcasts carry the recipient's own id")
	assert.EqualValues(t, 2, join["totalPlayer"])
	assert.Equal(t, []any{}, join["losers"])
}

func TestConnectRejectsWhenFull(t *testing.T) {
	svc := newTestService(testConfig())

	members := make([]*client, 0, 4)
	for _, id := range []string{"C1", "C2", "C3", "C4"} {
		c := newTestClient(id)
		require.True(t, svc.Connect(c, "r1"))
		members = append(members, c)
	}
	for _, c := range members {
		drain(t, c)
	}

	c5 := newTestClient("C5")
	require.False(t, svc.Connect(c5, "r1"))

	msgs := drain(t, c5)
	require.Len(t, msgs, 1)
	assert.Equal(t, typeReject, msgs[0]["type"])
	assert.True(t, c5.closed)

	assert.Len(t, svc.rooms["r1"].players, 4)
	assert.NotContains(t, svc.conns, "C5")
	assert.NotContains(t, svc.membership, "C5")

	for _, c := range members {
		assert.Empty(t, drain(t, c), "a rejected join must not be announced")
	}
}

func TestConnectRejectsAfterStart(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")

	require.True(t, svc.Connect(c1, "r1"))
	svc.SetReady("C1", "r1", true)
	require.NotZero(t, svc.rooms["r1"].startTimestamp)

	c2 := newTestClient("C2")
	require.False(t, svc.Connect(c2, "r1"))

	msgs := drain(t, c2)
	require.Len(t, msgs, 1)
	assert.Equal(t, typeReject, msgs[0]["type"])
}

func TestReadyTogglesThenGameStart(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")
	c2 := newTestClient("C2")

	require.True(t, svc.Connect(c1, "r1"))
	require.True(t, svc.Connect(c2, "r1"))
	drain(t, c1)
	drain(t, c2)

	svc.SetReady("C1", "r1", true)
	svc.SetReady("C2", "r1", true)

	msgs := drain(t, c1)
	require.Equal(t, []string{typeReadyStateChange, typeReadyStateChange, typeGameStart}, messageTypes(msgs))

	first := msgs[0]
	assert.Equal(t, []any{"C1"}, first["readyPlayers"])
	assert.Nil(t, first["startTimestamp"])

	second := msgs[1]
	assert.Equal(t, []any{"C1", "C2"}, second["readyPlayers"])
	assert.Nil(t, second["startTimestamp"], "the ready broadcast precedes arming the countdown")

	start := msgs[2]
	assert.Equal(t, "r1", start["roomId"])
	assert.EqualValues(t, testClock+6000, start["startTimestamp"])
	assert.Equal(t, []any{"C1", "C2"}, start["playerIds"])
	assert.Equal(t, "C1", start["clientId"])

	assert.Equal(t, []string{typeReadyStateChange, typeReadyStateChange, typeGameStart}, messageTypes(drain(t, c2)))
}

func TestReadyUntoggleRemovesFromSet(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")
	c2 := newTestClient("C2")

	require.True(t, svc.Connect(c1, "r1"))
	require.True(t, svc.Connect(c2, "r1"))

	svc.SetReady("C1", "r1", true)
	svc.SetReady("C1", "r1", false)

	assert.Empty(t, svc.rooms["r1"].readySet)
	assert.Zero(t, svc.rooms["r1"].startTimestamp)
}

func TestReadyIgnoredForNonMemberAndMissingRoom(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")
	c2 := newTestClient("C2")

	require.True(t, svc.Connect(c1, "r1"))
	require.True(t, svc.Connect(c2, "r2"))
	drain(t, c1)
	drain(t, c2)

	// Member of another room.
	svc.SetReady("C1", "r2", true)
	assert.Empty(t, svc.rooms["r2"].readySet)
	assert.Empty(t, drain(t, c2))

	// Room that does not exist.
	svc.SetReady("C1", "nope", true)
	assert.Empty(t, drain(t, c1))
}

func TestReadyIgnoredAfterStart(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")

	require.True(t, svc.Connect(c1, "r1"))
	svc.SetReady("C1", "r1", true)

	started := svc.rooms["r1"].startTimestamp
	require.NotZero(t, started)
	drain(t, c1)

	svc.SetReady("C1", "r1", false)

	assert.Equal(t, started, svc.rooms["r1"].startTimestamp, "startTimestamp never changes once set")
	assert.Contains(t, svc.rooms["r1"].readySet, "C1")
	assert.Empty(t, drain(t, c1))
}

func TestMinStartPlayersGate(t *testing.T) {
	cfg := testConfig()
	cfg.minStartPlayers = 2
	svc := newTestService(cfg)
	c1 := newTestClient("C1")

	require.True(t, svc.Connect(c1, "r1"))
	drain(t, c1)

	svc.SetReady("C1", "r1", true)

	assert.Equal(t, []string{typeReadyStateChange}, messageTypes(drain(t, c1)))
	assert.Zero(t, svc.rooms["r1"].startTimestamp, "a lone player must not self-start below the minimum")
}

func TestSnapshotRelaySkipsSender(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")
	c2 := newTestClient("C2")
	c3 := newTestClient("C3")

	for _, c := range []*client{c1, c2, c3} {
		require.True(t, svc.Connect(c, "r1"))
	}
	for _, c := range []*client{c1, c2, c3} {
		drain(t, c)
	}

	svc.RelaySnapshot("C1", "r1", json.RawMessage(`{"rows":[[1,0],[1,1]],"combo":3}`))

	assert.Empty(t, drain(t, c1), "snapshots are never echoed to their sender")

	for _, c := range []*client{c2, c3} {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		snap := msgs[0]
		assert.Equal(t, typeGameSnapshot, snap["type"])
		assert.Equal(t, c.id, snap["clientId"])
		assert.Equal(t, "C1", snap["playerId"])
		assert.Equal(t, map[string]any{"rows": []any{[]any{1.0, 0.0}, []any{1.0, 1.0}}, "combo": 3.0}, snap["snapshot"])
	}
}

func TestSnapshotMissingRoomIsNoop(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("C1")

	require.True(t, svc.Connect(c1, "r1"))
	drain(t, c1)

	svc.RelaySnapshot("C1", "nope", json.RawMessage(`{}`))
	assert.Empty(t, drain(t, c1))
}

func TestGameOverElimination(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")
	c2 := newTestClient("P2")
	c3 := newTestClient("P3")

	for _, c := range []*client{c1, c2, c3} {
		require.True(t, svc.Connect(c, "r1"))
	}
	for _, c := range []*client{c1, c2, c3} {
		drain(t, c)
	}

	svc.ReportLoss("P1", "r1")

	update := drain(t, c2)
	require.Len(t, update, 1)
	assert.Equal(t, typeReadyStateChange, update[0]["type"])
	assert.Equal(t, []any{"P1"}, update[0]["losers"])
	assert.Nil(t, update[0]["winner"])
	assert.True(t, svc.roomExists("r1"), "one loss out of three players does not end the match")

	svc.ReportLoss("P2", "r1")

	for _, c := range []*client{c1, c2, c3} {
		msgs := drain(t, c)
		require.NotEmpty(t, msgs)
		end := msgs[len(msgs)-1]
		assert.Equal(t, typeGameEnd, end["type"])
		assert.Equal(t, "P2", end["winner"])
		assert.Equal(t, []any{"P1", "P2"}, end["losers"])
		assert.Equal(t, true, end["isGameOver"])
		assert.Equal(t, c.id, end["clientId"])
		assert.True(t, c.closed, "every member is disconnected at match end")
	}

	assert.False(t, svc.roomExists("r1"))
	assert.Empty(t, svc.membership)
}

func TestGameOverMissingRoomIsNoop(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")

	require.True(t, svc.Connect(c1, "r1"))
	drain(t, c1)

	svc.ReportLoss("P1", "nope")

	assert.Empty(t, drain(t, c1))
	assert.True(t, svc.roomExists("r1"))
}

func TestWinnerPolicySurvivor(t *testing.T) {
	cfg := testConfig()
	cfg.winnerPolicy = winnerSurvivor
	svc := newTestService(cfg)
	c1 := newTestClient("P1")
	c2 := newTestClient("P2")
	c3 := newTestClient("P3")

	for _, c := range []*client{c1, c2, c3} {
		require.True(t, svc.Connect(c, "r1"))
	}
	for _, c := range []*client{c1, c2, c3} {
		drain(t, c)
	}

	svc.ReportLoss("P1", "r1")
	drain(t, c1)
	drain(t, c2)
	drain(t, c3)

	svc.ReportLoss("P2", "r1")

	msgs := drain(t, c3)
	require.NotEmpty(t, msgs)
	end := msgs[len(msgs)-1]
	assert.Equal(t, typeGameEnd, end["type"])
	assert.Equal(t, "P3", end["winner"], "survivor policy names the player missing from losers")
}

func TestAttackUnicast(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")
	c2 := newTestClient("P2")
	c3 := newTestClient("P3")

	for _, c := range []*client{c1, c2, c3} {
		require.True(t, svc.Connect(c, "r1"))
	}
	for _, c := range []*client{c1, c2, c3} {
		drain(t, c)
	}

	svc.Attack("P1", "r1", "P2", 2)

	msgs := drain(t, c2)
	require.Len(t, msgs, 1)
	attacked := msgs[0]
	assert.Equal(t, typeAttacked, attacked["type"])
	assert.EqualValues(t, 2, attacked["lineCount"])
	assert.Equal(t, "P1", attacked["playerId"])

	assert.Empty(t, drain(t, c1))
	assert.Empty(t, drain(t, c3), "attacks are unicast, never room broadcasts")

	assert.Equal(t, []string{"P1"}, svc.rooms["r1"].losers, "legacy behavior records the attacker as a loser")
}

func TestAttackMarksLoserDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.attackMarksLoser = false
	svc := newTestService(cfg)
	c1 := newTestClient("P1")
	c2 := newTestClient("P2")

	require.True(t, svc.Connect(c1, "r1"))
	require.True(t, svc.Connect(c2, "r1"))
	drain(t, c1)
	drain(t, c2)

	svc.Attack("P1", "r1", "P2", 1)

	require.Len(t, drain(t, c2), 1)
	assert.Empty(t, svc.rooms["r1"].losers)
}

func TestAttackDroppedForDeadTargetOrZeroLines(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")
	c2 := newTestClient("P2")

	require.True(t, svc.Connect(c1, "r1"))
	require.True(t, svc.Connect(c2, "r1"))
	drain(t, c1)
	drain(t, c2)

	svc.Attack("P1", "r1", "ghost", 3)
	assert.Empty(t, drain(t, c2))
	assert.Equal(t, []string{"P1"}, svc.rooms["r1"].losers, "the loser mark lands before the target check")

	svc.Attack("P1", "r1", "P2", 0)
	assert.Empty(t, drain(t, c2))

	svc.Attack("P1", "nope", "P2", 3)
	assert.Empty(t, drain(t, c2))
}

func TestDisconnectAnnouncesAndClearsReadiness(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")
	c2 := newTestClient("P2")
	c3 := newTestClient("P3")

	for _, c := range []*client{c1, c2, c3} {
		require.True(t, svc.Connect(c, "r1"))
	}
	svc.SetReady("P2", "r1", true)
	svc.SetReady("P3", "r1", true)
	for _, c := range []*client{c1, c2, c3} {
		drain(t, c)
	}

	svc.Disconnect("P1")

	for _, c := range []*client{c2, c3} {
		msgs := drain(t, c)
		require.Equal(t, []string{typePlayerLeft, typeReadyStateChange}, messageTypes(msgs))

		left := msgs[0]
		assert.Equal(t, "P1", left["playerId"])
		assert.Equal(t, c.id, left["clientId"])

		update := msgs[1]
		assert.EqualValues(t, 2, update["totalPlayer"])
		assert.Equal(t, []any{}, update["readyPlayers"], "one departure clears everyone's readiness")
	}

	assert.NotContains(t, svc.membership, "P1")
	assert.NotContains(t, svc.conns, "P1")
	assert.Len(t, svc.rooms["r1"].players, 2)
}

func TestDisconnectLastPlayerDeletesRoom(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")

	require.True(t, svc.Connect(c1, "r1"))
	svc.Disconnect("P1")

	assert.False(t, svc.roomExists("r1"))
	assert.Empty(t, svc.membership)
	assert.Empty(t, svc.conns)
}

func TestDisconnectUnknownClientIsSilent(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")

	require.True(t, svc.Connect(c1, "r1"))
	drain(t, c1)

	svc.Disconnect("stranger")

	assert.Empty(t, drain(t, c1))
	assert.True(t, svc.roomExists("r1"))
}

func TestDispatchIgnoresUnknownTypes(t *testing.T) {
	svc := newTestService(testConfig())
	c1 := newTestClient("P1")

	require.True(t, svc.Connect(c1, "r1"))
	drain(t, c1)

	svc.Dispatch("P1", clientEnvelope{Type: "SELF_DESTRUCT", RoomId: "r1"})

	assert.Empty(t, drain(t, c1))
	assert.True(t, svc.roomExists("r1"))
}

func TestEnqueueDropsWhenBufferFull(t *testing.T) {
	c := &client{id: "P1", send: make(chan []byte, 1)}

	c.enqueue([]byte(`1`))
	c.enqueue([]byte(`2`))

	require.Len(t, c.send, 1)
	assert.Equal(t, []byte(`1`), <-c.send)
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newTestClient("P1")

	c.shutdown()
	assert.NotPanics(t, c.shutdown)

	c.enqueue([]byte(`1`))
	_, ok := <-c.send
	assert.False(t, ok)
}
