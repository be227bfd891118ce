package api

import (
	"context"
	"errors"
	"sync"

	"github.com/jwoglom/configportal/pkg/bluetooth"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoClient rejects a passcode when nobody is connected to confirm it
	ErrNoClient = errors.New("no websocket client connected")
	// ErrPasscodeRejected is returned when the client rejects the passcode
	ErrPasscodeRejected = errors.New("passcode rejected by user")
)

// WebsocketConfirmer asks the websocket client to confirm pairing passcodes
type WebsocketConfirmer struct {
	server *Server

	mtx     sync.Mutex
	pending map[string]chan bool
}

func newWebsocketConfirmer(s *Server) *WebsocketConfirmer {
	return &WebsocketConfirmer{
		server:  s,
		pending: make(map[string]chan bool),
	}
}

// ConfirmPasscode implements bluetooth.PasscodeConfirmer. It publishes a
// passcode_request event and waits for the matching confirmPasscode command.
func (c *WebsocketConfirmer) ConfirmPasscode(ctx context.Context, req bluetooth.PasscodeConfirmationRequest) error {
	if !c.server.hasClient() {
		log.Warnf("No websocket client to confirm passcode %s, rejecting", req.Passcode)
		return ErrNoClient
	}

	ch := make(chan bool, 1)
	c.mtx.Lock()
	c.pending[req.ID] = ch
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		delete(c.pending, req.ID)
		c.mtx.Unlock()
	}()

	c.server.SendEvent(Event{Type: "passcode_request", Request: &req})

	select {
	case accept := <-ch:
		if !accept {
			return ErrPasscodeRejected
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the ids of requests waiting for an answer
func (c *WebsocketConfirmer) Pending() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

func (c *WebsocketConfirmer) resolve(id string, accept bool) bool {
	c.mtx.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mtx.Unlock()
	if !ok {
		return false
	}
	ch <- accept
	return true
}

func (c *WebsocketConfirmer) rejectAll() {
	c.mtx.Lock()
	pending := c.pending
	c.pending = make(map[string]chan bool)
	c.mtx.Unlock()
	for id, ch := range pending {
		log.Debugf("Rejecting passcode request %s, client went away", id)
		ch <- false
	}
}
