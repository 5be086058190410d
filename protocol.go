/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is the wire envelope: {"type": <tag>, "data": <payload>}.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound envelopes keep the payload raw until the tag is known.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound tags
const (
	msgRegister      = "register"
	msgCreateSession = "create_session"
	msgJoinSession   = "join_session"
	msgLeaveSession  = "leave_session"
	msgSetReady      = "set_ready"
	msgStartStory    = "start_story"
	msgStartVoting   = "start_voting"
	msgCastVote      = "cast_vote"
	msgResolveVote   = "resolve_vote"
	msgChat          = "chat_message"
	msgEndSession    = "end_session"
	msgGetStatus     = "get_status"
)

// Outbound tags
const (
	msgRegistrationSuccess = "registration_success"
	msgSessionCreated      = "session_created"
	msgSessionJoined       = "session_joined"
	msgSessionLeft         = "session_left"
	msgPlayerJoined        = "player_joined"
	msgPlayerLeft          = "player_left"
	msgHostChanged         = "host_changed"
	msgPlayerReady         = "player_ready"
	msgStoryStarted        = "story_started"
	msgStoryPage           = "story_page"
	msgVotingStarted       = "voting_started"
	msgVoteAcknowledged    = "vote_acknowledged"
	msgVoteUpdate          = "vote_update"
	msgVoteResult          = "vote_result"
	msgStoryComplete       = "story_complete"
	msgSessionStatus       = "session_status"
	msgSessionEnded        = "session_ended"
	msgError               = "error"
)

const maxSessionIDLength = 64

// command is the closed set of inbound requests. Only the types below
// implement it, and dispatch in server.go switches over all of them.
type command interface {
	commandTag() string
}

type registerCommand struct {
	PlayerID   string          `json:"playerId"`
	PlayerName string          `json:"playerName"`
	Stats      json.RawMessage `json:"stats,omitempty"`
}

type createSessionCommand struct {
	SessionID  string `json:"sessionId"`
	MaxPlayers int    `json:"maxPlayers,omitempty"`
}

type joinSessionCommand struct {
	SessionID string `json:"sessionId"`
}

type leaveSessionCommand struct{}

type setReadyCommand struct {
	Ready bool `json:"ready"`
}

type startStoryCommand struct {
	StoryID string `json:"storyId,omitempty"`
}

type startVotingCommand struct{}

type castVoteCommand struct {
	ChoiceIndex *int `json:"choiceIndex"`
}

type resolveVoteCommand struct{}

type chatCommand struct {
	Message string `json:"message"`
}

type endSessionCommand struct {
	Reason string `json:"reason,omitempty"`
}

type getStatusCommand struct{}

func (registerCommand) commandTag() string      { return msgRegister }
func (createSessionCommand) commandTag() string { return msgCreateSession }
func (joinSessionCommand) commandTag() string   { return msgJoinSession }
func (leaveSessionCommand) commandTag() string  { return msgLeaveSession }
func (setReadyCommand) commandTag() string      { return msgSetReady }
func (startStoryCommand) commandTag() string    { return msgStartStory }
func (startVotingCommand) commandTag() string   { return msgStartVoting }
func (castVoteCommand) commandTag() string      { return msgCastVote }
func (resolveVoteCommand) commandTag() string   { return msgResolveVote }
func (chatCommand) commandTag() string          { return msgChat }
func (endSessionCommand) commandTag() string    { return msgEndSession }
func (getStatusCommand) commandTag() string     { return msgGetStatus }

// decodeCommand turns a raw envelope into a typed command. Payload shape
// problems are validation errors; nothing has been mutated yet.
func decodeCommand(env envelope) (command, error) {
	var cmd command

	switch env.Type {
	case msgRegister:
		cmd = &registerCommand{}
	case msgCreateSession:
		cmd = &createSessionCommand{}
	case msgJoinSession:
		cmd = &joinSessionCommand{}
	case msgLeaveSession:
		cmd = &leaveSessionCommand{}
	case msgSetReady:
		cmd = &setReadyCommand{}
	case msgStartStory:
		cmd = &startStoryCommand{}
	case msgStartVoting:
		cmd = &startVotingCommand{}
	case msgCastVote:
		cmd = &castVoteCommand{}
	case msgResolveVote:
		cmd = &resolveVoteCommand{}
	case msgChat:
		cmd = &chatCommand{}
	case msgEndSession:
		cmd = &endSessionCommand{}
	case msgGetStatus:
		cmd = &getStatusCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Type, err)
		}
	}

	switch c := cmd.(type) {
	case *registerCommand:
		c.PlayerID = strings.TrimSpace(c.PlayerID)
		c.PlayerName = strings.TrimSpace(c.PlayerName)
		if c.PlayerName == "" {
			return nil, ErrEmptyName
		}
	case *createSessionCommand:
		c.SessionID = strings.TrimSpace(c.SessionID)
		if len(c.SessionID) > maxSessionIDLength {
			return nil, ErrInvalidSessionID
		}
		if c.MaxPlayers < 0 {
			return nil, fmt.Errorf("%w: maxPlayers must not be negative", ErrMalformedMessage)
		}
	case *joinSessionCommand:
		c.SessionID = strings.TrimSpace(c.SessionID)
		if c.SessionID == "" || len(c.SessionID) > maxSessionIDLength {
			return nil, ErrInvalidSessionID
		}
	case *castVoteCommand:
		if c.ChoiceIndex == nil {
			return nil, fmt.Errorf("%w: cast_vote requires choiceIndex", ErrMalformedMessage)
		}
	case *chatCommand:
		c.Message = strings.TrimSpace(c.Message)
		if c.Message == "" {
			return nil, ErrEmptyChat
		}
	}

	return cmd, nil
}

// Outbound payloads

type errorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Request string `json:"request,omitempty"`
}

type registrationPayload struct {
	Player     PlayerSnapshot `json:"player"`
	VotePolicy string         `json:"votePolicy"`
}

type playerEventPayload struct {
	Player    PlayerSnapshot `json:"player"`
	SessionID string         `json:"sessionId"`
}

type playerLeftPayload struct {
	PlayerID  string `json:"playerId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type hostChangedPayload struct {
	SessionID string `json:"sessionId"`
	HostID    string `json:"hostId"`
	Previous  string `json:"previousHostId,omitempty"`
}

type storyStartedPayload struct {
	SessionID string `json:"sessionId"`
	StoryID   string `json:"storyId"`
	Title     string `json:"title"`
}

type storyPagePayload struct {
	SessionID string `json:"sessionId"`
	Page      *Page  `json:"page"`
}

type votingStartedPayload struct {
	SessionID string     `json:"sessionId"`
	Round     int        `json:"round"`
	Choices   []Choice   `json:"choices"`
	Policy    string     `json:"policy"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

type voteAckPayload struct {
	SessionID   string `json:"sessionId"`
	Round       int    `json:"round"`
	ChoiceIndex int    `json:"choiceIndex"`
}

type voteUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Round     int    `json:"round"`
	Votes     int    `json:"votes"`
	Voters    int    `json:"voters"`
}

type voteResultPayload struct {
	SessionID string       `json:"sessionId"`
	Result    HistoryEntry `json:"result"`
}

type storyCompletePayload struct {
	SessionID string `json:"sessionId"`
	PageID    string `json:"pageId"`
}

type chatPayload struct {
	SessionID  string `json:"sessionId"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
}

type sessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}
