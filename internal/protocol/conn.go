package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role identifies which side of the protocol a connection plays.
type Role string

const (
	// RoleCoordinator is the accepting side that distributes work functions
	RoleCoordinator Role = "coordinator"
	// RoleWorker is the dialing side that installs them
	RoleWorker Role = "worker"
)

var (
	// ErrPeerClosed is returned when the peer closes the stream between
	// commands without sending disconnect
	ErrPeerClosed = errors.New("connection closed by peer")
	// ErrHandshakeTimeout is returned when the handshake does not complete in time
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

const readBufferSize = 4096

// Options configures a connection.
type Options struct {
	// ID labels the connection in logs. A random UUID is used when empty.
	ID string

	// Role selects the log label; behavior comes from Handlers.
	Role Role

	// Secret is the pre-shared password. It is read, never modified.
	Secret []byte

	// Handlers holds the role's application actions.
	Handlers Handlers

	// OnAuthenticated runs once, on the connection's goroutine, as soon as
	// the handshake completes. Returning ErrDisconnect closes cleanly.
	OnAuthenticated func(c *Conn) error

	// HandshakeTimeout bounds the time until the handshake completes.
	// Zero disables the limit.
	HandshakeTimeout time.Duration

	// MaxPayload bounds declared payload sizes. Zero selects DefaultMaxPayload.
	MaxPayload int

	Logger *zap.Logger
}

// Conn is the state of one protocol connection: socket, framer, handshake
// and handler table. All methods except Close must be called from the
// goroutine running Serve, or before Serve starts.
type Conn struct {
	id       string            // Connection label for logs and the tracker
	role     Role              // Side this connection plays
	nc       net.Conn          // Underlying stream
	framer   *Framer           // Reassembles commands from reads
	hs       *Handshake        // Challenge-response state
	table    Handlers          // Base actions merged over the role's
	onAuth   func(*Conn) error // Fired once when the handshake completes
	fired    bool              // Whether onAuth has run
	timeout  time.Duration     // Handshake deadline, 0 for none
	log      *zap.Logger       // Child logger with conn_id, role and remote
	closeErr error             // Result of the first Close
	once     sync.Once         // Guards Close
}

// NewConn wraps an established stream. Nothing is sent until Challenge
// or Serve is called.
//
// Parameters:
//   - nc: Connected stream, owned by the Conn from now on
//   - opts: Role, secret, handlers and limits
//
// Returns:
//   - *Conn: Connection ready to Serve
//
// Example:
//
//	c := protocol.NewConn(nc, protocol.Options{
//	    Role:     protocol.RoleWorker,
//	    Secret:   []byte(password),
//	    Handlers: handlers,
//	    Logger:   log,
//	})
//	err := c.Serve(ctx)
func NewConn(nc net.Conn, opts Options) *Conn {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		id:      id,
		role:    opts.Role,
		nc:      nc,
		framer:  NewFramer(opts.MaxPayload),
		hs:      NewHandshake(opts.Secret),
		table:   merge(opts.Handlers),
		onAuth:  opts.OnAuthenticated,
		timeout: opts.HandshakeTimeout,
		log: logger.With(
			zap.String("conn_id", id),
			zap.String("role", string(opts.Role)),
			zap.Stringer("remote", nc.RemoteAddr()),
		),
	}
}

// ID returns the connection label.
func (c *Conn) ID() string { return c.id }

// Role returns the side this connection plays.
func (c *Conn) Role() Role { return c.role }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *zap.Logger { return c.log }

// Authenticated reports whether the handshake has completed.
func (c *Conn) Authenticated() bool { return c.hs.Complete() }

// Send writes one command. A nil payload sends a header-only command.
func (c *Conn) Send(h Header, payload []byte) error {
	b, err := Encode(h, payload)
	if err != nil {
		return err
	}
	if payload != nil {
		n := len(payload)
		h.DataLength = &n
	}
	c.logHeader("<-", h)
	if _, err := c.nc.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", h.Action, err)
	}
	return nil
}

// Challenge issues and sends this side's challenge.
func (c *Conn) Challenge() error {
	h, err := c.hs.Challenge()
	if err != nil {
		return err
	}
	return c.Send(h, nil)
}

// Disconnect sends disconnect and returns ErrDisconnect so a handler can
// end the connection with a single return.
func (c *Conn) Disconnect() error {
	if err := c.Send(Header{Action: ActionDisconnect}, nil); err != nil {
		return err
	}
	return ErrDisconnect
}

// Serve reads and dispatches commands until the connection ends. The
// socket is always closed and buffered partial state discarded on return.
//
// Parameters:
//   - ctx: Cancel to close the socket and stop reading
//
// Returns:
//   - error: nil after a disconnect in either direction, ctx.Err() on
//     cancellation, ErrPeerClosed, ErrTruncated or ErrHandshakeTimeout
//     when the stream ends early, otherwise the handler or framing error
func (c *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer func() {
		c.Close()
		c.framer.Reset()
	}()

	if c.timeout > 0 && !c.hs.Complete() {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return c.finish(err)
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := c.nc.Read(buf)
		if n > 0 {
			if err := c.framer.Feed(buf[:n], c.dispatch); err != nil {
				return c.finish(err)
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			c.log.Debug("connection canceled")
			return ctx.Err()
		}
		var ne net.Error
		switch {
		case errors.Is(rerr, io.EOF) && c.framer.Pending():
			return c.finish(ErrTruncated)
		case errors.Is(rerr, io.EOF):
			return c.finish(ErrPeerClosed)
		case errors.As(rerr, &ne) && ne.Timeout():
			return c.finish(ErrHandshakeTimeout)
		default:
			return c.finish(rerr)
		}
	}
}

// Close closes the socket. It is safe to call from any goroutine and more
// than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// checkAuthenticated fires OnAuthenticated the first time the handshake
// is observed complete.
func (c *Conn) checkAuthenticated() error {
	if c.fired || !c.hs.Complete() {
		return nil
	}
	c.fired = true
	if c.timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
			return err
		}
	}
	c.log.Debug("handshake complete")
	if c.onAuth == nil {
		return nil
	}
	return c.onAuth(c)
}

func (c *Conn) finish(err error) error {
	if errors.Is(err, ErrDisconnect) {
		c.log.Debug("disconnected")
		return nil
	}
	c.log.Warn("closing connection", zap.Error(err))
	return err
}

// logHeader logs a header at debug level with the MAC redacted.
func (c *Conn) logHeader(dir string, h Header) {
	if ce := c.log.Check(zap.DebugLevel, dir); ce != nil {
		fields := []zap.Field{zapAction(h.Action)}
		if h.Msg != "" {
			fields = append(fields, zap.String("msg", h.Msg))
		}
		if h.DataLength != nil {
			fields = append(fields, zap.Int("data_length", *h.DataLength))
		}
		ce.Write(fields...)
	}
}

func zapAction(a Action) zap.Field {
	return zap.String("action", string(a))
}
