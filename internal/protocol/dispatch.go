package protocol

import (
	"errors"
	"fmt"
)

// ErrDisconnect is returned by a handler to close the connection cleanly.
// Serve reports it as a nil error.
var ErrDisconnect = errors.New("disconnect")

// HandlerFunc handles one complete command on a connection. Returning a
// non-nil error closes the connection.
type HandlerFunc func(c *Conn, f Frame) error

// Handlers maps an action to its handler. Each role builds its own table;
// the base actions are always added by the connection and cannot be
// overridden.
type Handlers map[Action]HandlerFunc

// baseHandlers returns the actions every role understands.
func baseHandlers() Handlers {
	return Handlers{
		ActionChallenge:  handleChallenge,
		ActionAuth:       handleAuth,
		ActionDisconnect: handleDisconnect,
	}
}

// merge returns a new table with the role's application actions layered
// under the base actions.
func merge(role Handlers) Handlers {
	out := make(Handlers, len(role)+3)
	for a, h := range role {
		out[a] = h
	}
	for a, h := range baseHandlers() {
		out[a] = h
	}
	return out
}

func handleChallenge(c *Conn, f Frame) error {
	replies, err := c.hs.Respond(f.Header.Msg)
	if err != nil {
		return err
	}
	for _, h := range replies {
		if err := c.Send(h, nil); err != nil {
			return err
		}
	}
	return c.checkAuthenticated()
}

func handleAuth(c *Conn, f Frame) error {
	if err := c.hs.Verify(f.Header.MAC); err != nil {
		return err
	}
	c.log.Info("authorized other end")
	return c.checkAuthenticated()
}

func handleDisconnect(*Conn, Frame) error {
	return ErrDisconnect
}

// dispatch routes a frame through the connection's table. Until the peer
// is verified only base actions pass; afterwards unknown actions are
// logged and dropped.
func (c *Conn) dispatch(f Frame) error {
	c.logHeader("->", f.Header)
	a := f.Header.Action
	if !a.IsBase() && !c.hs.Verified() {
		return fmt.Errorf("%w: %q", ErrUnauthenticated, a)
	}
	h, ok := c.table[a]
	if !ok {
		c.log.Warn("ignoring unknown action", zapAction(a))
		return nil
	}
	return h(c, f)
}
