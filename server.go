/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sessionIDLength = 8

// storySource resolves a story by id; an empty id means the default story.
type storySource interface {
	Resolve(id string) (Story, error)
}

type serverOptions struct {
	Settings        SessionSettings
	CleanupInterval time.Duration
	Stories         storySource
	Logger          *zap.Logger
	Now             func() time.Time
}

// MultiplayerServer owns every session and registered player and is the
// single dispatch point for inbound messages.
type MultiplayerServer struct {
	settings        SessionSettings
	cleanupInterval time.Duration
	stories         storySource
	logger          *zap.Logger
	now             func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*GameSession
	players   map[string]*Player
	conns     map[Conn]string
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newMultiplayerServer(opts serverOptions) *MultiplayerServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &MultiplayerServer{
		settings:        opts.Settings,
		cleanupInterval: opts.CleanupInterval,
		stories:         opts.Stories,
		logger:          opts.Logger,
		now:             opts.Now,
		sessions:        make(map[string]*GameSession),
		players:         make(map[string]*Player),
		conns:           make(map[Conn]string),
	}
}

// Run starts the cleanup sweeps. They stop when ctx is done or Stop is called.
func (s *MultiplayerServer) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running = true
	s.startedAt = s.now()
	s.cancel = cancel
	s.mu.Unlock()

	if s.cleanupInterval > 0 {
		s.wg.Add(2)
		go s.sweepLoop(ctx, "sessions", s.CleanupInactiveSessions)
		go s.sweepLoop(ctx, "players", s.CleanupInactivePlayers)
	}

	s.logger.Info("server running",
		zap.Duration("cleanup_interval", s.cleanupInterval),
		zap.String("vote_policy", string(s.settings.VotePolicy)))
}

func (s *MultiplayerServer) sweepLoop(ctx context.Context, name string, sweep func(time.Time) int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sweep(s.now()); n > 0 {
				s.logger.Info("cleanup sweep", zap.String("sweep", name), zap.Int("removed", n))
			}
		}
	}
}

// Stop halts the sweeps, ends every session and drops every player.
func (s *MultiplayerServer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false

	sessions := make([]*GameSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	players := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}

	clear(s.sessions)
	clear(s.players)
	clear(s.conns)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	for _, sess := range sessions {
		sess.EndSession("server shutting down")
	}
	for _, p := range players {
		p.Disconnect()
	}

	s.logger.Info("server stopped", zap.Int("sessions", len(sessions)), zap.Int("players", len(players)))
}

// HandleFrame decodes one raw frame from conn and dispatches it.
func (s *MultiplayerServer) HandleFrame(conn Conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return
	}
	s.HandleMessage(conn, env)
}

// HandleMessage validates and applies one inbound message. Any failure is
// reported to conn alone; a panicking handler is recovered so the caller's
// read loop and every other session carry on.
func (s *MultiplayerServer) HandleMessage(conn Conn, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.String("type", env.Type), zap.Any("panic", r), zap.Stack("stack"))
			s.sendError(conn, env.Type, errors.New("internal server error"))
		}
	}()

	cmd, err := decodeCommand(env)
	if err == nil {
		err = s.dispatch(conn, cmd)
	}
	if err != nil {
		s.logger.Debug("request rejected", zap.String("type", env.Type), zap.Error(err))
		s.sendError(conn, env.Type, err)
	}
}

func (s *MultiplayerServer) dispatch(conn Conn, cmd command) error {
	if c, ok := cmd.(*registerCommand); ok {
		return s.handleRegister(conn, c)
	}

	p, err := s.playerFor(conn)
	if err != nil {
		return err
	}
	p.UpdateActivity(s.now())

	switch c := cmd.(type) {
	case *createSessionCommand:
		return s.handleCreateSession(p, c)
	case *joinSessionCommand:
		return s.handleJoinSession(p, c)
	case *leaveSessionCommand:
		return s.handleLeaveSession(p)
	case *setReadyCommand:
		return s.withSession(p, func(sess *GameSession) error {
			return sess.SetReady(p.ID(), c.Ready)
		})
	case *startStoryCommand:
		return s.handleStartStory(p, c)
	case *startVotingCommand:
		return s.withSession(p, func(sess *GameSession) error {
			return sess.hostStartVoting(p.ID())
		})
	case *castVoteCommand:
		return s.withSession(p, func(sess *GameSession) error {
			return sess.CastVote(p.ID(), *c.ChoiceIndex)
		})
	case *resolveVoteCommand:
		return s.withSession(p, func(sess *GameSession) error {
			return sess.hostResolveVoting(p.ID())
		})
	case *chatCommand:
		return s.withSession(p, func(sess *GameSession) error {
			_, err := sess.Chat(p.ID(), c.Message)
			return err
		})
	case *endSessionCommand:
		return s.handleEndSession(p, c)
	case *getStatusCommand:
		return s.withSession(p, func(sess *GameSession) error {
			p.SendMessage(msgSessionStatus, sess.Snapshot())
			return nil
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, cmd.commandTag())
	}
}

func (s *MultiplayerServer) sendError(conn Conn, request string, err error) {
	payload := errorPayload{
		Message: err.Error(),
		Kind:    errorKind(err),
		Request: request,
	}
	if sendErr := conn.Send(Message{Type: msgError, Data: payload}); sendErr != nil {
		s.logger.Debug("error delivery failed", zap.Error(sendErr))
	}
}

func (s *MultiplayerServer) playerFor(conn Conn) (*Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.conns[conn]
	if !ok {
		return nil, ErrNotRegistered
	}
	p, ok := s.players[id]
	if !ok {
		return nil, ErrNotRegistered
	}
	return p, nil
}

func (s *MultiplayerServer) sessionOf(p *Player) (*GameSession, error) {
	id := p.SessionID()
	if id == "" {
		return nil, ErrNotInSession
	}

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotInSession
	}
	return sess, nil
}

func (s *MultiplayerServer) withSession(p *Player, fn func(*GameSession) error) error {
	sess, err := s.sessionOf(p)
	if err != nil {
		return err
	}
	return fn(sess)
}

func (s *MultiplayerServer) handleRegister(conn Conn, c *registerCommand) error {
	id := c.PlayerID
	if id == "" {
		id = uuid.NewString()
	}

	p, err := newPlayer(id, c.PlayerName, conn, c.Stats, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.conns[conn]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: connection already registered", ErrPlayerExists)
	}
	if _, ok := s.players[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrPlayerExists, id)
	}
	s.players[id] = p
	s.conns[conn] = id
	s.mu.Unlock()

	s.logger.Info("player registered", zap.String("player", id), zap.String("name", p.Name()))

	p.SendMessage(msgRegistrationSuccess, registrationPayload{
		Player:     p.Snapshot(),
		VotePolicy: string(s.settings.VotePolicy),
	})

	return nil
}

// newSessionID picks a random id not currently in use. Callers hold s.mu.
func (s *MultiplayerServer) newSessionIDLocked() string {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	const max = byte(255 - (256 % len(letters)))

	for {
		out := make([]byte, 0, sessionIDLength)
		buf := make([]byte, sessionIDLength*2)

		for len(out) < sessionIDLength {
			if _, err := rand.Read(buf); err != nil {
				panic("crypto/rand failure: " + err.Error())
			}
			for _, b := range buf {
				if b <= max {
					out = append(out, letters[int(b)%len(letters)])
					if len(out) == sessionIDLength {
						break
					}
				}
			}
		}

		id := string(out)
		if _, exists := s.sessions[id]; !exists {
			return id
		}
	}
}

func (s *MultiplayerServer) handleCreateSession(p *Player, c *createSessionCommand) error {
	if p.SessionID() != "" {
		return ErrAlreadyInSession
	}

	settings := s.settings
	if c.MaxPlayers > 0 && c.MaxPlayers < settings.MaxPlayers {
		settings.MaxPlayers = c.MaxPlayers
	}

	s.mu.Lock()
	id := c.SessionID
	if id == "" {
		id = s.newSessionIDLocked()
	} else if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSessionExists, id)
	}

	// The session is unpublished until the creator is in, so no joiner can
	// beat the creator to host. Taking the session lock under s.mu is safe
	// here: nothing else can reach an unpublished session.
	sess := newGameSession(id, settings, s.logger, s.now)
	if err := sess.AddPlayer(p); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Info("session created", zap.String("session", id), zap.String("host", p.ID()))

	p.SendMessage(msgSessionCreated, sess.Snapshot())

	return nil
}

func (s *MultiplayerServer) handleJoinSession(p *Player, c *joinSessionCommand) error {
	if current := p.SessionID(); current != "" && current != c.SessionID {
		return ErrAlreadyInSession
	}

	s.mu.RLock()
	sess, ok := s.sessions[c.SessionID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, c.SessionID)
	}

	if err := sess.AddPlayer(p); err != nil {
		return err
	}

	p.SendMessage(msgSessionJoined, sess.Snapshot())

	return nil
}

func (s *MultiplayerServer) handleLeaveSession(p *Player) error {
	sess, err := s.sessionOf(p)
	if err != nil {
		return err
	}

	if !sess.DetachPlayer(p.ID()) {
		return ErrNotInSession
	}

	p.SendMessage(msgSessionLeft, playerLeftPayload{
		PlayerID:  p.ID(),
		SessionID: sess.ID(),
		Reason:    "left",
	})

	return nil
}

func (s *MultiplayerServer) handleStartStory(p *Player, c *startStoryCommand) error {
	sess, err := s.sessionOf(p)
	if err != nil {
		return err
	}
	if s.stories == nil {
		return fmt.Errorf("%w: no story library configured", ErrUnknownStory)
	}

	story, err := s.stories.Resolve(c.StoryID)
	if err != nil {
		return err
	}

	return sess.hostStartStory(p.ID(), story)
}

func (s *MultiplayerServer) handleEndSession(p *Player, c *endSessionCommand) error {
	sess, err := s.sessionOf(p)
	if err != nil {
		return err
	}

	reason := c.Reason
	if reason == "" {
		reason = "ended by host"
	}

	if err := sess.hostEndSession(p.ID(), reason); err != nil {
		return err
	}

	s.removeSession(sess.ID())

	return nil
}

// removeSession drops id from the registry; removing an absent id is a no-op.
func (s *MultiplayerServer) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// HandleDisconnect is called by the transport when conn closes. The player
// is removed from its session and deregistered.
func (s *MultiplayerServer) HandleDisconnect(conn Conn) {
	s.mu.Lock()
	id, ok := s.conns[conn]
	delete(s.conns, conn)
	var p *Player
	if ok {
		p = s.players[id]
		delete(s.players, id)
	}
	s.mu.Unlock()

	if p == nil {
		return
	}

	s.dropPlayer(p, "disconnected")
}

// dropPlayer disconnects p before looking up its session, so a concurrent
// join either sees the closed connection and fails or lands before the
// lookup and is removed here.
func (s *MultiplayerServer) dropPlayer(p *Player, reason string) {
	p.Disconnect()
	if sess, err := s.sessionOf(p); err == nil {
		sess.RemovePlayer(p.ID())
	}

	s.logger.Info("player removed", zap.String("player", p.ID()), zap.String("reason", reason))
}

// CleanupInactiveSessions ends and removes sessions that are empty, ended,
// or idle past their timeout. It returns the number removed.
func (s *MultiplayerServer) CleanupInactiveSessions(now time.Time) int {
	s.mu.Lock()
	var stale []*GameSession
	for id, sess := range s.sessions {
		if sess.IsIdle(now) {
			delete(s.sessions, id)
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.EndSession("inactive")
		s.logger.Info("session reaped", zap.String("session", sess.ID()))
	}

	return len(stale)
}

// CleanupInactivePlayers deregisters players idle past the player timeout
// or already disconnected. It returns the number removed.
func (s *MultiplayerServer) CleanupInactivePlayers(now time.Time) int {
	timeout := s.settings.PlayerTimeout

	s.mu.Lock()
	var stale []*Player
	for id, p := range s.players {
		if !p.Connected() || (timeout > 0 && !p.IsActive(now, timeout)) {
			delete(s.players, id)
			stale = append(stale, p)
		}
	}
	if len(stale) > 0 {
		for conn, id := range s.conns {
			if _, ok := s.players[id]; !ok {
				delete(s.conns, conn)
			}
		}
	}
	s.mu.Unlock()

	for _, p := range stale {
		s.dropPlayer(p, "inactive")
	}

	return len(stale)
}

type ServerStatus struct {
	Running  bool            `json:"running"`
	Sessions int             `json:"sessions"`
	Players  int             `json:"players"`
	Uptime   string          `json:"uptime,omitempty"`
	Games    []SessionStatus `json:"games,omitempty"`
}

// Status reports aggregate counts. With detail set it also lists every
// session, ordered by id.
func (s *MultiplayerServer) Status(detail bool) ServerStatus {
	s.mu.RLock()
	st := ServerStatus{
		Running:  s.running,
		Sessions: len(s.sessions),
		Players:  len(s.players),
	}
	if s.running {
		st.Uptime = s.now().Sub(s.startedAt).Round(time.Second).String()
	}
	var sessions []*GameSession
	if detail {
		sessions = make([]*GameSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
	}
	s.mu.RUnlock()

	if detail {
		st.Games = make([]SessionStatus, 0, len(sessions))
		for _, sess := range sessions {
			st.Games = append(st.Games, sess.Status())
		}
		sort.Slice(st.Games, func(i, j int) bool { return st.Games[i].ID < st.Games[j].ID })
	}

	return st
}

// Session looks up a live session by id.
func (s *MultiplayerServer) Session(id string) (*GameSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *MultiplayerServer) Player(id string) (*Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	return p, ok
}
