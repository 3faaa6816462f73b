/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import "encoding/json"

// Message type discriminators shared with the browser client. Client-bound
// frames additionally carry a clientId field stamped with the recipient's own
// id; third-party identity always travels as playerId.
const (
	typeInit             = "INIT"
	typeReject           = "REJECT"
	typePlayerJoin       = "PLAYER_JOIN"
	typeReadyStateChange = "READY_STATE_CHANGE"
	typeGameStart        = "GAME_START"
	typeGameSnapshot     = "GAME_SNAPSHOT"
	typeGameOver         = "GAME_OVER"
	typeGameEnd          = "GAME_END"
	typeAttack           = "ATTACK"
	typeAttacked         = "ATTACKED"
	typePlayerLeft       = "PLAYER_LEFT"
)

// clientEnvelope is the one inbound frame shape; which fields matter depends
// on Type, the rest are left at their zero values.
type clientEnvelope struct {
	Type      string          `json:"type"`
	RoomId    string          `json:"roomId"`
	IsReady   bool            `json:"isReady"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Timestamp int64           `json:"timestamp"`
	Target    string          `json:"target"`
	LineCount int             `json:"lineCount"`
}

// roomMessage is any payload the fanout can deliver to a room. The fanout
// overwrites clientId with each recipient's own id before serializing, so
// implementations use a value receiver and return the stamped copy.
type roomMessage interface {
	stamp(recipient string) any
}

// initMessage is unicast to a client that successfully joined a room.
type initMessage struct {
	Type           string   `json:"type"`
	RoomId         string   `json:"roomId"`
	ClientId       string   `json:"clientId"`
	TotalPlayer    int      `json:"totalPlayer"`
	ReadyPlayers   []string `json:"readyPlayers"`
	StartTimestamp *int64   `json:"startTimestamp"`
	IsGameOver     bool     `json:"isGameOver"`
}

// rejectMessage is unicast to a client refused entry (room full or started).
type rejectMessage struct {
	Type string `json:"type"`
}

// roomStateMessage is the shared shape behind the PLAYER_JOIN,
// READY_STATE_CHANGE and GAME_END broadcasts.
type roomStateMessage struct {
	Type           string   `json:"type"`
	ClientId       string   `json:"clientId"`
	TotalPlayer    int      `json:"totalPlayer"`
	ReadyPlayers   []string `json:"readyPlayers"`
	StartTimestamp *int64   `json:"startTimestamp"`
	IsGameOver     bool     `json:"isGameOver"`
	Winner         string   `json:"winner,omitempty"`
	Losers         []string `json:"losers"`
}

func (m roomStateMessage) stamp(recipient string) any {
	m.ClientId = recipient
	return m
}

// gameStartMessage announces the armed countdown and the frozen player set.
type gameStartMessage struct {
	Type           string   `json:"type"`
	ClientId       string   `json:"clientId"`
	RoomId         string   `json:"roomId"`
	StartTimestamp int64    `json:"startTimestamp"`
	PlayerIds      []string `json:"playerIds"`
}

func (m gameStartMessage) stamp(recipient string) any {
	m.ClientId = recipient
	return m
}

// snapshotMessage relays one player's opaque board state to spectators.
type snapshotMessage struct {
	Type     string          `json:"type"`
	ClientId string          `json:"clientId"`
	Snapshot json.RawMessage `json:"snapshot"`
	PlayerId string          `json:"playerId"`
}

func (m snapshotMessage) stamp(recipient string) any {
	m.ClientId = recipient
	return m
}

// playerLeftMessage announces a departure; PlayerId names the leaver.
type playerLeftMessage struct {
	Type     string `json:"type"`
	ClientId string `json:"clientId"`
	PlayerId string `json:"playerId"`
}

func (m playerLeftMessage) stamp(recipient string) any {
	m.ClientId = recipient
	return m
}

// attackedMessage is unicast to the target of an attack, never broadcast.
type attackedMessage struct {
	Type      string `json:"type"`
	LineCount int    `json:"lineCount"`
	PlayerId  string `json:"playerId"`
}

// marshal serializes a payload for the wire, returning nil on failure so
// callers can treat an unserializable message as an undeliverable one.
func marshal(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}
