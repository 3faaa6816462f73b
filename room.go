// Blockbox room server
//
// Players join a named room over a websocket, toggle readiness, race a
// synchronized countdown, relay opaque board snapshots for spectating, lob
// garbage-line attacks at each other, and self-report elimination until one
// player remains.
//
// Features:
// - One websocket per player, room chosen by the ?room= query parameter
// - First joiner implicitly creates the room; joins refused once full or started
// - All-ready arms a fixed countdown; the timestamp is advisory, clients race it
// - Snapshots are relayed verbatim, the server never inspects board state
// - Attacks are direct unicasts to the target, not room broadcasts
// - Eliminations accumulate until one uneliminated player is declared winner
// - Every room broadcast re-stamps clientId with the recipient's own id
// - Random 8-char room IDs via crypto/rand for the / redirect, with collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"slices"
	"sync"
	"time"
)

// roomState is one match lobby. The players slice preserves join order so
// readyPlayers, playerIds and winner selection are deterministic.
type roomState struct {
	id             string
	players        []string
	readySet       map[string]struct{}
	startTimestamp int64 // epoch ms; 0 until the countdown is armed, then never changes
	losers         []string
	winner         string
}

func newRoomState(id string) *roomState {
	return &roomState{
		id:       id,
		readySet: make(map[string]struct{}),
	}
}

func (rs *roomState) removePlayer(id string) {
	rs.players = slices.DeleteFunc(rs.players, func(p string) bool {
		return p == id
	})
}

// readyList returns ready players in join order, never nil, so the field
// always serializes as a JSON array.
func (rs *roomState) readyList() []string {
	ready := make([]string, 0, len(rs.readySet))
	for _, id := range rs.players {
		if _, ok := rs.readySet[id]; ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// timestampPtr maps the unset sentinel to JSON null, matching what clients
// expect before the countdown is armed.
func (rs *roomState) timestampPtr() *int64 {
	if rs.startTimestamp == 0 {
		return nil
	}
	ts := rs.startTimestamp
	return &ts
}

// RoomService owns the connection registry, the client→room membership index,
// and the room table. Every inbound connect, message, and disconnect runs to
// completion under one mutex, so each operation is atomic with respect to
// every other client; outbound delivery is a non-blocking enqueue and never
// extends the critical section.
type RoomService struct {
	cfg *Config

	mu         sync.Mutex
	conns      map[string]*client
	membership map[string]string
	rooms      map[string]*roomState

	now func() time.Time
}

func newRoomService(cfg *Config) *RoomService {
	return &RoomService{
		cfg:        cfg,
		conns:      make(map[string]*client),
		membership: make(map[string]string),
		rooms:      make(map[string]*roomState),
		now:        time.Now,
	}
}

// Connect admits c into roomID, creating the room if it does not exist.
// Refused clients receive REJECT and are shut down without ever being
// registered. Returns whether the client was admitted.
func (s *RoomService) Connect(c *client, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	switch {
	case !ok:
		rs = newRoomState(roomID)
		rs.players = append(rs.players, c.id)
		s.rooms[roomID] = rs
		logf(s.cfg, "ROOMS: Created room %q for client %s", roomID, c.id)

	case rs.startTimestamp != 0:
		c.enqueue(marshal(rejectMessage{Type: typeReject}))
		c.shutdown()
		logf(s.cfg, "ROOMS: Refused client %s, room %q already started", c.id, roomID)
		return false

	case len(rs.players) >= s.cfg.maxPlayers:
		c.enqueue(marshal(rejectMessage{Type: typeReject}))
		c.shutdown()
		logf(s.cfg, "ROOMS: Refused client %s, room %q full", c.id, roomID)
		return false

	default:
		rs.players = append(rs.players, c.id)
	}

	s.conns[c.id] = c
	s.membership[c.id] = roomID

	c.enqueue(marshal(initMessage{
		Type:           typeInit,
		RoomId:         rs.id,
		ClientId:       c.id,
		TotalPlayer:    len(rs.players),
		ReadyPlayers:   rs.readyList(),
		StartTimestamp: rs.timestampPtr(),
		IsGameOver:     rs.winner != "",
	}))

	s.broadcastLocked(rs, s.roomStateLocked(rs, typePlayerJoin), c.id)

	return true
}

// Dispatch routes one parsed client frame to its handler. Unknown types are
// dropped without response.
func (s *RoomService) Dispatch(sender string, msg clientEnvelope) {
	switch msg.Type {
	case typeReadyStateChange:
		s.SetReady(sender, msg.RoomId, msg.IsReady)
	case typeGameSnapshot:
		s.RelaySnapshot(sender, msg.RoomId, msg.Snapshot)
	case typeGameOver:
		s.ReportLoss(sender, msg.RoomId)
	case typeAttack:
		s.Attack(sender, msg.RoomId, msg.Target, msg.LineCount)
	}
}

// SetReady toggles sender's readiness and, once every player in the room is
// ready, arms the countdown. The start timestamp is set at most once per room.
func (s *RoomService) SetReady(sender, roomID string, isReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.membership[sender] != roomID {
		return
	}

	rs, ok := s.rooms[roomID]
	if !ok {
		return
	}

	if rs.startTimestamp != 0 {
		return
	}

	if isReady {
		rs.readySet[sender] = struct{}{}
	} else {
		delete(rs.readySet, sender)
	}

	s.broadcastLocked(rs, s.roomStateLocked(rs, typeReadyStateChange))

	if len(rs.readySet) == len(rs.players) && len(rs.players) >= s.cfg.minStartPlayers {
		rs.startTimestamp = s.now().UnixMilli() + s.cfg.countdown.Milliseconds()

		s.broadcastLocked(rs, gameStartMessage{
			Type:           typeGameStart,
			RoomId:         rs.id,
			StartTimestamp: rs.startTimestamp,
			PlayerIds:      slices.Clone(rs.players),
		})

		logf(s.cfg, "ROOMS: Room %q starting at %d with %d players", rs.id, rs.startTimestamp, len(rs.players))
	}
}

// RelaySnapshot fans sender's opaque board state out to everyone else in the
// room, tagged with the sender as playerId.
func (s *RoomService) RelaySnapshot(sender, roomID string, snapshot []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return
	}

	s.broadcastLocked(rs, snapshotMessage{
		Type:     typeGameSnapshot,
		Snapshot: snapshot,
		PlayerId: sender,
	}, sender)
}

// ReportLoss records sender's self-reported elimination. Once all but one
// player have been recorded, the winner is chosen by the configured policy,
// GAME_END is broadcast, every member is disconnected, and the room is
// deleted. Repeat reports are not deduplicated; correct clients report once.
func (s *RoomService) ReportLoss(sender, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return
	}

	rs.losers = append(rs.losers, sender)

	if len(rs.losers) >= len(rs.players)-1 {
		rs.winner = s.pickWinnerLocked(rs, sender)

		s.broadcastLocked(rs, s.roomStateLocked(rs, typeGameEnd))

		for _, id := range rs.players {
			if member, live := s.conns[id]; live {
				member.shutdown()
			}
			delete(s.membership, id)
		}
		delete(s.rooms, rs.id)

		logf(s.cfg, "ROOMS: Room %q ended, winner %s", rs.id, rs.winner)

		return
	}

	s.broadcastLocked(rs, s.roomStateLocked(rs, typeReadyStateChange))
}

// pickWinnerLocked resolves the winner once the loss threshold is hit. The
// legacy protocol names the final reporter; the survivor policy instead picks
// the one player missing from the losers list, falling back to the reporter
// if every player has reported.
func (s *RoomService) pickWinnerLocked(rs *roomState, reporter string) string {
	if s.cfg.winnerPolicy == winnerSurvivor {
		lost := make(map[string]struct{}, len(rs.losers))
		for _, id := range rs.losers {
			lost[id] = struct{}{}
		}
		for _, id := range rs.players {
			if _, out := lost[id]; !out {
				return id
			}
		}
	}
	return reporter
}

// Attack relays a garbage-line attack straight to target's connection. The
// legacy protocol also records the attacker in the losers list; that behavior
// is kept behind --attack-marks-loser and applies even when the attack is
// then dropped for a dead target or an empty line count.
func (s *RoomService) Attack(sender, roomID, target string, lineCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return
	}

	if s.cfg.attackMarksLoser {
		rs.losers = append(rs.losers, sender)
	}

	victim, live := s.conns[target]
	if !live {
		return
	}

	if lineCount == 0 {
		return
	}

	victim.enqueue(marshal(attackedMessage{
		Type:      typeAttacked,
		LineCount: lineCount,
		PlayerId:  sender,
	}))
}

// Disconnect tears down clientID's registration. Members are announced to
// their room before removal, one departure clears everyone's readiness, and
// an emptied room is deleted. Disconnecting an unknown id emits nothing.
func (s *RoomService) Disconnect(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, clientID)

	if roomID, member := s.membership[clientID]; member {
		if rs, ok := s.rooms[roomID]; ok {
			s.broadcastLocked(rs, playerLeftMessage{
				Type:     typePlayerLeft,
				PlayerId: clientID,
			})

			rs.removePlayer(clientID)
			rs.readySet = make(map[string]struct{})

			s.broadcastLocked(rs, s.roomStateLocked(rs, typeReadyStateChange))

			if len(rs.players) == 0 {
				delete(s.rooms, roomID)
				logf(s.cfg, "ROOMS: Deleted empty room %q", roomID)
			}
		}
	}

	delete(s.membership, clientID)
}

// roomStateLocked builds the shared room-state payload under typ. Slices are
// copied so later mutation cannot race the write pumps.
func (s *RoomService) roomStateLocked(rs *roomState, typ string) roomStateMessage {
	return roomStateMessage{
		Type:           typ,
		TotalPlayer:    len(rs.players),
		ReadyPlayers:   rs.readyList(),
		StartTimestamp: rs.timestampPtr(),
		IsGameOver:     rs.winner != "",
		Winner:         rs.winner,
		Losers:         append(make([]string, 0, len(rs.losers)), rs.losers...),
	}
}

// broadcastLocked delivers msg to every current member of rs except the skip
// list, stamping clientId with each recipient's own id. Delivery is
// best-effort: members without a live connection, and connections with a full
// send buffer, are silently passed over.
func (s *RoomService) broadcastLocked(rs *roomState, msg roomMessage, skip ...string) {
	for _, id := range rs.players {
		if slices.Contains(skip, id) {
			continue
		}

		recipient, live := s.conns[id]
		if !live {
			continue
		}

		recipient.enqueue(marshal(msg.stamp(id)))
	}
}

// roomExists reports whether id is currently in the room table.
func (s *RoomService) roomExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rooms[id]
	return ok
}
