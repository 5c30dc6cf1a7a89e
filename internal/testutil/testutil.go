// Package testutil provides shared fakes for package tests: a settable clock
// and an in-process moderation backend.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ManualClock is a Clock whose time only moves when told to.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock starts a clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{t: t}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// ModerationServer is an httptest server speaking the chat completions shape.
// Reply controls the assistant message content returned; Fail forces a 500.
type ModerationServer struct {
	*httptest.Server

	mu    sync.Mutex
	reply string
	fail  bool
	calls int
}

// NewModerationServer starts a fake moderation backend returning reply.
func NewModerationServer(reply string) *ModerationServer {
	m := &ModerationServer{reply: reply}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *ModerationServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.calls++
	reply, fail := m.reply, m.fail
	m.mu.Unlock()

	if fail {
		http.Error(w, "backend down", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": reply}},
		},
	})
}

// SetReply changes the content returned from now on.
func (m *ModerationServer) SetReply(reply string) {
	m.mu.Lock()
	m.reply = reply
	m.mu.Unlock()
}

// SetFail toggles 500 responses.
func (m *ModerationServer) SetFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

// Calls reports how many requests the backend has served.
func (m *ModerationServer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
