/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Conn is the send capability a Player holds. It is owned by the transport;
// Send must never block.
type Conn interface {
	Send(msg Message) error
	Close() error
}

// Player is one registered participant. Its fields are guarded by mu and
// may be touched by the owning session, the server, and the sweeps.
type Player struct {
	id       string
	name     string
	stats    json.RawMessage
	joinedAt time.Time

	mu           sync.Mutex
	conn         Conn
	connected    bool
	isHost       bool
	isReady      bool
	vote         *int
	lastActivity time.Time
	sessionID    string
}

// PlayerSnapshot is the external projection of a Player. It never carries
// the connection.
type PlayerSnapshot struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	IsHost       bool            `json:"isHost"`
	IsReady      bool            `json:"isReady"`
	Connected    bool            `json:"connected"`
	Vote         *int            `json:"vote,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Stats        json.RawMessage `json:"stats,omitempty"`
}

func newPlayer(id, name string, conn Conn, stats json.RawMessage, now time.Time) (*Player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	return &Player{
		id:           id,
		name:         name,
		stats:        stats,
		joinedAt:     now,
		conn:         conn,
		connected:    conn != nil,
		lastActivity: now,
	}, nil
}

func (p *Player) ID() string { return p.id }

func (p *Player) Name() string { return p.name }

func (p *Player) UpdateActivity(now time.Time) {
	p.mu.Lock()
	p.lastActivity = now
	p.mu.Unlock()
}

func (p *Player) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastActivity
}

// IsActive reports whether the player produced an action within threshold of now.
func (p *Player) IsActive(now time.Time, threshold time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return now.Sub(p.lastActivity) < threshold
}

func (p *Player) SetReady(ready bool) {
	p.mu.Lock()
	p.isReady = ready
	p.mu.Unlock()
}

func (p *Player) Vote(choice int) {
	p.mu.Lock()
	p.vote = &choice
	p.mu.Unlock()
}

func (p *Player) ClearVote() {
	p.mu.Lock()
	p.vote = nil
	p.mu.Unlock()
}

func (p *Player) CurrentVote() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vote == nil {
		return 0, false
	}
	return *p.vote, true
}

func (p *Player) IsHost() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.isHost
}

func (p *Player) setHost(host bool) {
	p.mu.Lock()
	p.isHost = host
	p.mu.Unlock()
}

func (p *Player) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sessionID
}

// claimSession binds the player to sessionID. A disconnected player, or one
// already bound to another session, is refused.
func (p *Player) claimSession(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrConnClosed
	}
	if p.sessionID != "" && p.sessionID != sessionID {
		return ErrAlreadyInSession
	}
	p.sessionID = sessionID
	return nil
}

// leaveSession clears all per-session state.
func (p *Player) leaveSession() {
	p.mu.Lock()
	p.sessionID = ""
	p.isHost = false
	p.isReady = false
	p.vote = nil
	p.mu.Unlock()
}

func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

// SendMessage delivers a message over the held connection. A false return
// means the connection is gone or saturated; it is a signal, not an error.
func (p *Player) SendMessage(msgType string, payload any) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return false
	}

	return conn.Send(Message{Type: msgType, Data: payload}) == nil
}

// Disconnect closes and releases the connection. Safe to call repeatedly.
func (p *Player) Disconnect() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.connected = false
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (p *Player) Snapshot() PlayerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var vote *int
	if p.vote != nil {
		v := *p.vote
		vote = &v
	}

	return PlayerSnapshot{
		ID:           p.id,
		Name:         p.name,
		IsHost:       p.isHost,
		IsReady:      p.isReady,
		Connected:    p.connected,
		Vote:         vote,
		SessionID:    p.sessionID,
		JoinedAt:     p.joinedAt,
		LastActivity: p.lastActivity,
		Stats:        p.stats,
	}
}
