package worker

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/dreamware/mincer/internal/config"
	"github.com/dreamware/mincer/internal/protocol"
	"github.com/dreamware/mincer/internal/workfn"
)

// Client dials a coordinator, authenticates and installs the work
// functions it is sent into its own Environment.
type Client struct {
	cfg   *config.Config      // Secret and limits
	reg   *workfn.Registry    // Functions this worker agrees to run
	env   *workfn.Environment // Where received functions are installed
	log   *zap.Logger
	eager bool // Challenge before the coordinator does
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithEagerChallenge makes the worker send its challenge as soon as the
// connection opens instead of waiting for the coordinator's.
func WithEagerChallenge() Option {
	return func(c *Client) { c.eager = true }
}

// WithEnvironment installs received functions into env instead of a fresh one.
func WithEnvironment(env *workfn.Environment) Option {
	return func(c *Client) { c.env = env }
}

// New creates a worker that resolves received references against reg.
func New(cfg *config.Config, reg *workfn.Registry, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		reg: reg,
		env: workfn.NewEnvironment(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Environment returns the worker's installed functions.
func (c *Client) Environment() *workfn.Environment { return c.env }

// Run dials addr and serves the connection until the coordinator
// disconnects.
//
// Parameters:
//   - ctx: Bounds the dial and cancels the connection
//   - addr: Coordinator address as host:port
//
// Returns:
//   - error: nil on a clean disconnect; a dial, handshake or install
//     error otherwise, in which case nothing from that reference is installed
//
// Example:
//
//	w := worker.New(cfg, workfn.Builtins())
//	if err := w.Run(ctx, "10.0.0.5:11235"); err != nil {
//	    return err
//	}
//	refs := w.Environment().Refs()
func (c *Client) Run(ctx context.Context, addr string) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.log.Info("connected to coordinator", zap.String("addr", addr))
	return c.ServeConn(ctx, nc)
}

// ServeConn runs the worker side of the protocol on an established stream.
func (c *Client) ServeConn(ctx context.Context, nc net.Conn) error {
	conn := protocol.NewConn(nc, protocol.Options{
		Role:             protocol.RoleWorker,
		Secret:           c.cfg.Secret(),
		Handlers:         c.handlers(),
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		MaxPayload:       c.cfg.MaxPayload,
		Logger:           c.log,
	})
	if c.eager {
		if err := conn.Challenge(); err != nil {
			conn.Close()
			return err
		}
	}
	return conn.Serve(ctx)
}

func (c *Client) handlers() protocol.Handlers {
	h := make(protocol.Handlers, len(workfn.Roles))
	for _, r := range workfn.Roles {
		h[r.Action()] = c.install
	}
	return h
}

// install resolves a function reference and binds it into the worker's
// environment. Nothing is installed unless every check passes.
func (c *Client) install(conn *protocol.Conn, f protocol.Frame) error {
	role, ok := workfn.RoleForAction(f.Header.Action)
	if !ok {
		return fmt.Errorf("%w: no role for action %q", workfn.ErrBadRef, f.Header.Action)
	}
	if !f.HasPayload() {
		return fmt.Errorf("%w: %s without payload", workfn.ErrBadRef, f.Header.Action)
	}
	ref, err := workfn.DecodeRef(f.Payload)
	if err != nil {
		return err
	}
	if ref.Role != role {
		return fmt.Errorf("%w: %s sent as %s", workfn.ErrRoleMismatch, ref.Name, f.Header.Action)
	}
	def, err := c.reg.Resolve(ref)
	if err != nil {
		return err
	}
	if err := c.env.Install(def); err != nil {
		return err
	}
	conn.Logger().Info("installed work function",
		zap.String("role", string(role)),
		zap.String("name", def.Name),
		zap.Int("version", def.Version))
	return nil
}
