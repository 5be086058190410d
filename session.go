/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

type GameState string

const (
	StateWaiting GameState = "waiting"
	StateStory   GameState = "story"
	StateVoting  GameState = "voting"
	StateEnded   GameState = "ended"
)

// VotePolicy selects what resolves a voting round.
type VotePolicy string

const (
	PolicyTimer         VotePolicy = "timer"
	PolicyHost          VotePolicy = "host"
	PolicyParticipation VotePolicy = "participation"
)

func parseVotePolicy(s string) (VotePolicy, error) {
	switch p := VotePolicy(s); p {
	case PolicyTimer, PolicyHost, PolicyParticipation:
		return p, nil
	}
	return "", fmt.Errorf("unknown vote policy %q (want timer, host or participation)", s)
}

type SessionSettings struct {
	MaxPlayers     int
	SessionTimeout time.Duration
	PlayerTimeout  time.Duration
	VotePolicy     VotePolicy
	VoteTimeout    time.Duration
	AutoVote       bool
}

type settingsView struct {
	MaxPlayers     int        `json:"maxPlayers"`
	SessionTimeout string     `json:"sessionTimeout"`
	VotePolicy     VotePolicy `json:"votePolicy"`
	VoteTimeout    string     `json:"voteTimeout,omitempty"`
	AutoVote       bool       `json:"autoVote"`
}

func (s SessionSettings) view() settingsView {
	v := settingsView{
		MaxPlayers:     s.MaxPlayers,
		SessionTimeout: s.SessionTimeout.String(),
		VotePolicy:     s.VotePolicy,
		AutoVote:       s.AutoVote,
	}
	if s.VotePolicy == PolicyTimer {
		v.VoteTimeout = s.VoteTimeout.String()
	}
	return v
}

type votingState struct {
	active   bool
	round    int
	pageID   string
	choices  []Choice
	votes    map[string]int
	deadline time.Time
	timer    *time.Timer
}

// HistoryEntry records one resolved voting round. Entries are never
// modified once appended; callers only ever see copies.
type HistoryEntry struct {
	Round       int         `json:"round"`
	PageID      string      `json:"pageId"`
	ChoiceIndex int         `json:"choiceIndex"`
	Choice      Choice      `json:"choice"`
	Breakdown   map[int]int `json:"voteBreakdown"`
	Tie         bool        `json:"tie"`
	Trigger     VotePolicy  `json:"trigger"`
	ResolvedAt  time.Time   `json:"resolvedAt"`
}

func (e HistoryEntry) clone() HistoryEntry {
	e.Breakdown = maps.Clone(e.Breakdown)
	return e
}

func cloneHistory(history []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(history))
	for i, e := range history {
		out[i] = e.clone()
	}
	return out
}

// GameSession is one shared playthrough. All state below mu is guarded by
// it; methods suffixed Locked expect it to be held.
type GameSession struct {
	id       string
	settings SessionSettings
	logger   *zap.Logger
	now      func() time.Time
	intn     func(n int) int

	mu           sync.Mutex
	hostID       string
	players      map[string]*Player
	order        []string
	state        GameState
	story        Story
	page         *Page
	voting       votingState
	history      []HistoryEntry
	createdAt    time.Time
	lastActivity time.Time
	endReason    string
}

func newGameSession(id string, settings SessionSettings, logger *zap.Logger, now func() time.Time) *GameSession {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := now()

	return &GameSession{
		id:           id,
		settings:     settings,
		logger:       logger.With(zap.String("session", id)),
		now:          now,
		intn:         rand.IntN,
		players:      make(map[string]*Player),
		state:        StateWaiting,
		createdAt:    t,
		lastActivity: t,
	}
}

func (s *GameSession) ID() string { return s.id }

func (s *GameSession) Settings() SessionSettings { return s.settings }

func (s *GameSession) touchLocked() {
	s.lastActivity = s.now()
}

func (s *GameSession) State() GameState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *GameSession) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hostID
}

func (s *GameSession) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.players)
}

// Players returns the members in join order.
func (s *GameSession) Players() []*Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Player, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.players[id])
	}
	return out
}

func (s *GameSession) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneHistory(s.history)
}

func (s *GameSession) VotingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.voting.active
}

// Votes returns a copy of the current round's votes.
func (s *GameSession) Votes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.voting.votes))
	maps.Copy(out, s.voting.votes)
	return out
}

func (s *GameSession) CurrentPage() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.page
}

// IsIdle reports whether the sweep may remove the session.
func (s *GameSession) IsIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded || len(s.players) == 0 {
		return true
	}
	return s.settings.SessionTimeout > 0 && now.Sub(s.lastActivity) > s.settings.SessionTimeout
}

func (s *GameSession) requireMemberLocked(playerID string) error {
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	if _, ok := s.players[playerID]; !ok {
		return ErrUnauthorized
	}
	return nil
}

func (s *GameSession) requireHostLocked(playerID string) error {
	if err := s.requireMemberLocked(playerID); err != nil {
		return err
	}
	if s.hostID != playerID {
		return ErrNotHost
	}
	return nil
}

// AddPlayer admits p. The first member becomes host.
func (s *GameSession) AddPlayer(p *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return ErrSessionEnded
	}
	if _, ok := s.players[p.ID()]; ok {
		return ErrDuplicatePlayer
	}
	if len(s.players) >= s.settings.MaxPlayers {
		return ErrSessionFull
	}
	if err := p.claimSession(s.id); err != nil {
		return err
	}

	s.players[p.ID()] = p
	s.order = append(s.order, p.ID())

	if len(s.players) == 1 {
		s.hostID = p.ID()
		p.setHost(true)
	}

	s.touchLocked()

	s.logger.Info("player joined", zap.String("player", p.ID()), zap.Int("players", len(s.players)))

	s.broadcastExceptLocked(p.ID(), msgPlayerJoined, playerEventPayload{
		Player:    p.Snapshot(),
		SessionID: s.id,
	})

	return nil
}

// RemovePlayer disconnects and removes a member. Removing a non-member is
// a no-op. The session is left running when it becomes empty.
func (s *GameSession) RemovePlayer(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.removeLocked(playerID, "disconnected")
	if ok {
		p.Disconnect()
	}
	return ok
}

// DetachPlayer removes a member but leaves its connection open.
func (s *GameSession) DetachPlayer(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.removeLocked(playerID, "left")
	return ok
}

func (s *GameSession) removeLocked(playerID, reason string) (*Player, bool) {
	p, ok := s.players[playerID]
	if !ok {
		return nil, false
	}

	delete(s.players, playerID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == playerID })
	delete(s.voting.votes, playerID)
	p.leaveSession()

	s.touchLocked()

	s.logger.Info("player left",
		zap.String("player", playerID),
		zap.String("reason", reason),
		zap.Int("players", len(s.players)))

	s.broadcastLocked(msgPlayerLeft, playerLeftPayload{
		PlayerID:  playerID,
		SessionID: s.id,
		Reason:    reason,
	})

	if s.hostID == playerID {
		s.hostID = ""
		if len(s.order) > 0 {
			next := s.players[s.order[0]]
			s.hostID = next.ID()
			next.setHost(true)

			s.logger.Info("host migrated", zap.String("from", playerID), zap.String("to", s.hostID))

			s.broadcastLocked(msgHostChanged, hostChangedPayload{
				SessionID: s.id,
				HostID:    s.hostID,
				Previous:  playerID,
			})
		}
	}

	// The leaver may have been the last holdout.
	if s.voting.active && s.settings.VotePolicy == PolicyParticipation && s.allVotedLocked() {
		s.resolveAndContinueLocked(PolicyParticipation)
	}

	return p, true
}

func (s *GameSession) SetReady(playerID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMemberLocked(playerID); err != nil {
		return err
	}

	p := s.players[playerID]
	p.SetReady(ready)
	s.touchLocked()

	s.broadcastLocked(msgPlayerReady, playerEventPayload{
		Player:    p.Snapshot(),
		SessionID: s.id,
	})

	return nil
}

// Chat relays a member's message to every member.
func (s *GameSession) Chat(playerID, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireMemberLocked(playerID); err != nil {
		return 0, err
	}

	s.touchLocked()

	return s.broadcastLocked(msgChat, chatPayload{
		SessionID:  s.id,
		PlayerID:   playerID,
		PlayerName: s.players[playerID].Name(),
		Message:    text,
	}), nil
}

// StartStory loads story at its start page. Only valid while waiting.
func (s *GameSession) StartStory(story Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startStoryLocked(story)
}

func (s *GameSession) startStoryLocked(story Story) error {
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	if s.state != StateWaiting {
		return fmt.Errorf("%w: story already started", ErrInvalidState)
	}

	page, err := story.Page(story.StartPageID())
	if err != nil {
		return err
	}

	s.story = story
	s.page = page
	s.state = StateStory
	s.touchLocked()

	s.logger.Info("story started", zap.String("story", story.ID()), zap.String("page", page.ID))

	s.broadcastLocked(msgStoryStarted, storyStartedPayload{
		SessionID: s.id,
		StoryID:   story.ID(),
		Title:     story.Title(),
	})
	s.broadcastLocked(msgStoryPage, storyPagePayload{SessionID: s.id, Page: page})

	return nil
}

// StartVoting opens a voting round over the current page's choices.
func (s *GameSession) StartVoting() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startVotingLocked()
}

func (s *GameSession) startVotingLocked() error {
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	if s.state != StateStory {
		return fmt.Errorf("%w: voting requires an active story page", ErrInvalidState)
	}
	if s.page == nil || len(s.page.Choices) == 0 {
		return ErrNoChoices
	}

	s.voting = votingState{
		active:  true,
		round:   s.voting.round + 1,
		pageID:  s.page.ID,
		choices: slices.Clone(s.page.Choices),
		votes:   make(map[string]int),
	}
	for _, p := range s.players {
		p.ClearVote()
	}
	s.state = StateVoting
	s.touchLocked()

	payload := votingStartedPayload{
		SessionID: s.id,
		Round:     s.voting.round,
		Choices:   s.voting.choices,
		Policy:    string(s.settings.VotePolicy),
	}

	if s.settings.VotePolicy == PolicyTimer && s.settings.VoteTimeout > 0 {
		round := s.voting.round
		s.voting.deadline = s.now().Add(s.settings.VoteTimeout)
		s.voting.timer = time.AfterFunc(s.settings.VoteTimeout, func() {
			s.expireVoting(round)
		})

		deadline := s.voting.deadline
		payload.Deadline = &deadline
	}

	s.logger.Debug("voting started", zap.Int("round", s.voting.round), zap.Int("choices", len(s.voting.choices)))

	s.broadcastLocked(msgVotingStarted, payload)

	return nil
}

// CastVote records a member's vote, replacing any earlier vote this round.
// Under the participation policy the final vote resolves the round.
func (s *GameSession) CastVote(playerID string, choiceIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return ErrSessionEnded
	}
	if !s.voting.active {
		return ErrVotingInactive
	}
	p, ok := s.players[playerID]
	if !ok {
		return ErrUnauthorized
	}
	if choiceIndex < 0 || choiceIndex >= len(s.voting.choices) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidChoice, choiceIndex, len(s.voting.choices))
	}

	s.voting.votes[playerID] = choiceIndex
	p.Vote(choiceIndex)
	s.touchLocked()

	p.SendMessage(msgVoteAcknowledged, voteAckPayload{
		SessionID:   s.id,
		Round:       s.voting.round,
		ChoiceIndex: choiceIndex,
	})
	s.broadcastLocked(msgVoteUpdate, voteUpdatePayload{
		SessionID: s.id,
		Round:     s.voting.round,
		Votes:     len(s.voting.votes),
		Voters:    len(s.players),
	})

	if s.settings.VotePolicy == PolicyParticipation && s.allVotedLocked() {
		s.resolveAndContinueLocked(PolicyParticipation)
	}

	return nil
}

// allVotedLocked reports whether every active, connected member has voted.
func (s *GameSession) allVotedLocked() bool {
	if len(s.voting.votes) == 0 {
		return false
	}

	now := s.now()
	for id, p := range s.players {
		if !p.Connected() {
			continue
		}
		if s.settings.PlayerTimeout > 0 && !p.IsActive(now, s.settings.PlayerTimeout) {
			continue
		}
		if _, ok := s.voting.votes[id]; !ok {
			return false
		}
	}
	return true
}

// ResolveVoting closes the current round. The highest tally wins; ties are
// broken uniformly at random among the tied choices.
func (s *GameSession) ResolveVoting(trigger VotePolicy) (HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolveLocked(trigger)
}

func (s *GameSession) resolveLocked(trigger VotePolicy) (HistoryEntry, error) {
	if s.state == StateEnded {
		return HistoryEntry{}, ErrSessionEnded
	}
	if !s.voting.active {
		return HistoryEntry{}, ErrVotingInactive
	}

	breakdown := make(map[int]int, len(s.voting.choices))
	for i := range s.voting.choices {
		breakdown[i] = 0
	}
	for _, idx := range s.voting.votes {
		breakdown[idx]++
	}

	best := -1
	var tied []int
	for i := range s.voting.choices {
		switch n := breakdown[i]; {
		case n > best:
			best = n
			tied = []int{i}
		case n == best:
			tied = append(tied, i)
		}
	}

	winner := tied[0]
	if len(tied) > 1 {
		winner = tied[s.intn(len(tied))]
	}
	choice := s.voting.choices[winner]

	next, err := s.story.Page(choice.Target)
	if err != nil {
		s.abandonVotingLocked(err)
		return HistoryEntry{}, err
	}

	entry := HistoryEntry{
		Round:       s.voting.round,
		PageID:      s.voting.pageID,
		ChoiceIndex: winner,
		Choice:      choice,
		Breakdown:   breakdown,
		Tie:         len(tied) > 1,
		Trigger:     trigger,
		ResolvedAt:  s.now(),
	}
	s.history = append(s.history, entry)

	s.clearVotingLocked()
	s.page = next
	s.state = StateStory
	s.touchLocked()

	s.logger.Info("vote resolved",
		zap.Int("round", entry.Round),
		zap.Int("choice", winner),
		zap.Bool("tie", entry.Tie),
		zap.String("trigger", string(trigger)),
		zap.String("page", next.ID))

	s.broadcastLocked(msgVoteResult, voteResultPayload{SessionID: s.id, Result: entry.clone()})
	s.broadcastLocked(msgStoryPage, storyPagePayload{SessionID: s.id, Page: next})

	return entry.clone(), nil
}

// abandonVotingLocked closes a round that cannot be resolved and returns the
// session to the current page, where the host may open a new vote.
func (s *GameSession) abandonVotingLocked(cause error) {
	round := s.voting.round

	s.clearVotingLocked()
	s.state = StateStory
	s.touchLocked()

	s.logger.Warn("vote abandoned", zap.Int("round", round), zap.Error(cause))

	s.broadcastLocked(msgError, errorPayload{
		Message: fmt.Sprintf("vote round %d could not be resolved: %v", round, cause),
		Kind:    errorKind(cause),
	})
}

func (s *GameSession) clearVotingLocked() {
	if s.voting.timer != nil {
		s.voting.timer.Stop()
	}
	for _, p := range s.players {
		p.ClearVote()
	}
	s.voting = votingState{round: s.voting.round}
}

// continueLocked opens the next round when the page branches and auto
// voting is on, and announces the end of the story on a leaf page.
func (s *GameSession) continueLocked() {
	if s.state != StateStory || s.page == nil {
		return
	}

	if len(s.page.Choices) == 0 {
		s.broadcastLocked(msgStoryComplete, storyCompletePayload{SessionID: s.id, PageID: s.page.ID})
		return
	}

	if s.settings.AutoVote {
		if err := s.startVotingLocked(); err != nil {
			s.logger.Warn("auto vote failed", zap.Error(err))
		}
	}
}

func (s *GameSession) resolveAndContinueLocked(trigger VotePolicy) {
	if _, err := s.resolveLocked(trigger); err != nil {
		s.logger.Warn("resolving vote", zap.String("trigger", string(trigger)), zap.Error(err))
		return
	}
	s.continueLocked()
}

// expireVoting is the timer callback. A timer from an earlier round is
// ignored.
func (s *GameSession) expireVoting(round int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.voting.active || s.voting.round != round {
		return
	}
	s.resolveAndContinueLocked(PolicyTimer)
}

func (s *GameSession) hostStartStory(playerID string, story Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHostLocked(playerID); err != nil {
		return err
	}
	if err := s.startStoryLocked(story); err != nil {
		return err
	}
	s.continueLocked()
	return nil
}

func (s *GameSession) hostStartVoting(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHostLocked(playerID); err != nil {
		return err
	}
	return s.startVotingLocked()
}

func (s *GameSession) hostResolveVoting(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHostLocked(playerID); err != nil {
		return err
	}
	if s.settings.VotePolicy != PolicyHost {
		return ErrWrongPolicy
	}
	if _, err := s.resolveLocked(PolicyHost); err != nil {
		return err
	}
	s.continueLocked()
	return nil
}

func (s *GameSession) hostEndSession(playerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHostLocked(playerID); err != nil {
		return err
	}
	s.endLocked(reason)
	return nil
}

// EndSession disconnects every member and moves to the terminal state.
func (s *GameSession) EndSession(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endLocked(reason)
}

func (s *GameSession) endLocked(reason string) {
	if s.state == StateEnded {
		return
	}

	s.broadcastLocked(msgSessionEnded, sessionEndedPayload{SessionID: s.id, Reason: reason})

	s.clearVotingLocked()

	for _, id := range s.order {
		p := s.players[id]
		p.leaveSession()
		p.Disconnect()
	}
	clear(s.players)
	s.order = nil
	s.hostID = ""
	s.state = StateEnded
	s.endReason = reason
	s.touchLocked()

	s.logger.Info("session ended", zap.String("reason", reason))
}

// BroadcastToAll delivers to every member and returns how many accepted
// the message. A failed delivery never stops the others.
func (s *GameSession) BroadcastToAll(msgType string, payload any) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.broadcastLocked(msgType, payload)
}

func (s *GameSession) broadcastLocked(msgType string, payload any) int {
	return s.broadcastExceptLocked("", msgType, payload)
}

func (s *GameSession) broadcastExceptLocked(skip, msgType string, payload any) int {
	delivered := 0
	for _, id := range s.order {
		if id == skip {
			continue
		}
		if s.players[id].SendMessage(msgType, payload) {
			delivered++
			continue
		}
		s.logger.Debug("delivery failed", zap.String("player", id), zap.String("type", msgType))
	}
	return delivered
}

// SessionStatus is the compact projection used for monitoring.
type SessionStatus struct {
	ID           string    `json:"id"`
	HostID       string    `json:"hostId,omitempty"`
	State        GameState `json:"state"`
	PlayerCount  int       `json:"playerCount"`
	MaxPlayers   int       `json:"maxPlayers"`
	StoryID      string    `json:"storyId,omitempty"`
	PageID       string    `json:"pageId,omitempty"`
	Round        int       `json:"round"`
	Resolved     int       `json:"resolved"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *GameSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{
		ID:           s.id,
		HostID:       s.hostID,
		State:        s.state,
		PlayerCount:  len(s.players),
		MaxPlayers:   s.settings.MaxPlayers,
		Round:        s.voting.round,
		Resolved:     len(s.history),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.story != nil {
		st.StoryID = s.story.ID()
	}
	if s.page != nil {
		st.PageID = s.page.ID
	}
	return st
}

type votingView struct {
	Round    int        `json:"round"`
	Choices  []Choice   `json:"choices"`
	Votes    int        `json:"votes"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// SessionSnapshot is the full projection sent for client resynchronization.
type SessionSnapshot struct {
	ID        string           `json:"id"`
	HostID    string           `json:"hostId,omitempty"`
	State     GameState        `json:"state"`
	Players   []PlayerSnapshot `json:"players"`
	StoryID   string           `json:"storyId,omitempty"`
	Page      *Page            `json:"page,omitempty"`
	Voting    *votingView      `json:"voting,omitempty"`
	History   []HistoryEntry   `json:"history"`
	Settings  settingsView     `json:"settings"`
	EndReason string           `json:"endReason,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

func (s *GameSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *GameSession) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		ID:        s.id,
		HostID:    s.hostID,
		State:     s.state,
		Players:   make([]PlayerSnapshot, 0, len(s.order)),
		Page:      s.page,
		History:   cloneHistory(s.history),
		Settings:  s.settings.view(),
		EndReason: s.endReason,
		CreatedAt: s.createdAt,
	}
	for _, id := range s.order {
		snap.Players = append(snap.Players, s.players[id].Snapshot())
	}
	if s.story != nil {
		snap.StoryID = s.story.ID()
	}
	if s.voting.active {
		v := &votingView{
			Round:   s.voting.round,
			Choices: s.voting.choices,
			Votes:   len(s.voting.votes),
		}
		if !s.voting.deadline.IsZero() {
			d := s.voting.deadline
			v.Deadline = &d
		}
		snap.Voting = v
	}
	return snap
}
