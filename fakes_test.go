package main

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn records every message it accepts.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
	full   bool
}

func (c *fakeConn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if c.full {
		return ErrSendBufferFull
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *fakeConn) ofType(msgType string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Message
	for _, m := range c.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T, msgType string) Message {
	t.Helper()

	msgs := c.ofType(msgType)
	require.NotEmpty(t, msgs, "no %q message received", msgType)
	return msgs[len(msgs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testStory branches twice from the start page:
//
//	start -> cave | forest
//	cave  -> treasure | exit | river
//	forest, treasure, exit, river are endings
func testStory(t *testing.T) *StoryFile {
	t.Helper()

	story := &StoryFile{
		StoryID:   "dragon",
		Name:      "The Dragon's Cave",
		StartPage: "start",
		Pages: map[string]*Page{
			"start": {Text: "A fork in the road.", Choices: []Choice{
				{Text: "Enter the cave", Target: "cave"},
				{Text: "Walk into the forest", Target: "forest"},
			}},
			"cave": {Text: "Three tunnels.", Choices: []Choice{
				{Text: "Left", Target: "treasure"},
				{Text: "Middle", Target: "exit"},
				{Text: "Right", Target: "river"},
			}},
			"forest":   {Text: "You get lost."},
			"treasure": {Text: "Gold!"},
			"exit":     {Text: "Daylight."},
			"river":    {Text: "Swept away."},
		},
	}
	require.NoError(t, story.validate())
	return story
}

func testSettings(policy VotePolicy) SessionSettings {
	return SessionSettings{
		MaxPlayers:     4,
		SessionTimeout: time.Hour,
		PlayerTimeout:  5 * time.Minute,
		VotePolicy:     policy,
		VoteTimeout:    time.Minute,
	}
}

func testPlayer(t *testing.T, id string) (*Player, *fakeConn) {
	t.Helper()

	conn := &fakeConn{}
	p, err := newPlayer(id, "Player "+id, conn, nil, time.Now())
	require.NoError(t, err)
	return p, conn
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
