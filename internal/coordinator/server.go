package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/mincer/internal/config"
	"github.com/dreamware/mincer/internal/protocol"
	"github.com/dreamware/mincer/internal/storage"
	"github.com/dreamware/mincer/internal/workfn"
)

// ErrAlreadyRunning is returned when Run is called on a server that was already started
var ErrAlreadyRunning = errors.New("server already running")

// Server accepts worker connections, authenticates each one and pushes the
// configured work functions to it.
//
// The function slots and datasource may be changed at any time; every
// connection snapshots the slots when it is accepted and uses that
// snapshot for its whole lifetime.
type Server struct {
	cfg        *config.Config                    // Validated settings, read-only
	log        *zap.Logger                       // Server logger, parent of every conn logger
	tracker    *Tracker                          // Session history
	datasource storage.Datasource                // Input exposed to the scheduling layer
	slots      map[workfn.Role]workfn.Definition // Functions sent to each worker
	addr       net.Addr                          // Bound address, nil until listening
	ready      chan struct{}                     // Closed once Run listens or fails to
	readyOnce  sync.Once                         // Guards close(ready)
	started    bool                              // Set by the first Run
	mu         sync.RWMutex                      // Protects the fields above
}

// Accept retry bounds for temporary listener errors.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTracker replaces the session tracker, letting a caller share one
// across servers.
func WithTracker(t *Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// New creates a server for cfg. The config must already be validated.
//
// Example:
//
//	srv := coordinator.New(cfg, coordinator.WithLogger(log))
//	srv.SetDatasource(storage.FromLines(lines))
//	for _, d := range workfn.WordCount() {
//	    _ = srv.SetFunc(d)
//	}
//	summary, err := srv.Run(ctx)
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		log:     zap.NewNop(),
		tracker: NewTracker(),
		slots:   make(map[workfn.Role]workfn.Definition),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDatasource sets the key/value input exposed to the scheduling layer.
func (s *Server) SetDatasource(ds storage.Datasource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasource = ds
}

// Datasource returns the configured datasource, or nil.
func (s *Server) Datasource() storage.Datasource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.datasource
}

// SetFunc fills the slot named by d.Role. Connections already accepted
// keep the slots they started with.
//
// Parameters:
//   - d: Definition to distribute; it must pass Validate
//
// Returns:
//   - error: The validation error, leaving the slot unchanged
func (s *Server) SetFunc(d workfn.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[d.Role] = d
	return nil
}

// SetMapFunc fills the map slot.
func (s *Server) SetMapFunc(d workfn.Definition) error {
	return s.setRole(workfn.RoleMap, d)
}

// SetReduceFunc fills the reduce slot.
func (s *Server) SetReduceFunc(d workfn.Definition) error {
	return s.setRole(workfn.RoleReduce, d)
}

// SetCollectFunc fills the collect slot.
func (s *Server) SetCollectFunc(d workfn.Definition) error {
	return s.setRole(workfn.RoleCollect, d)
}

// ClearFunc empties a slot so the function is no longer distributed.
func (s *Server) ClearFunc(role workfn.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, role)
}

// Func returns the definition in a slot.
func (s *Server) Func(role workfn.Role) (workfn.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.slots[role]
	return d, ok
}

func (s *Server) setRole(role workfn.Role, d workfn.Definition) error {
	if d.Role != role {
		return fmt.Errorf("%w: %s is a %s function, not %s", workfn.ErrRoleMismatch, d.Name, d.Role, role)
	}
	return s.SetFunc(d)
}

// Tracker returns the session tracker.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Ready is closed once Run is listening, or once it has failed to listen.
// Addr is nil in the second case and Run returns the error.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Addr returns the bound listen address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Run listens on the configured address and serves connections until ctx
// is canceled, then waits for every open connection to finish and returns
// the session summary. Errors on individual connections are recorded in
// the tracker only.
//
// Parameters:
//   - ctx: Cancel to stop accepting and close open connections
//
// Returns:
//   - Summary: Outcome counts of every session the server accepted
//   - error: ErrAlreadyRunning on a second call, or a listener failure
//
// Example:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	summary, err := srv.Run(ctx)
func (s *Server) Run(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Summary{}, ErrAlreadyRunning
	}
	s.started = true
	s.mu.Unlock()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		s.markReady()
		return Summary{}, fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	ds := s.datasource
	s.mu.Unlock()
	s.markReady()

	fields := []zap.Field{zap.Stringer("addr", ln.Addr()), zap.Int("max_conns", s.cfg.MaxConns)}
	if ds != nil {
		fields = append(fields, zap.Int("datasource_entries", ds.Len()))
	}
	s.log.Info("coordinator listening", fields...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	err = g.Wait()

	sum := s.tracker.Summary()
	s.log.Info("coordinator stopped",
		zap.Int("accepted", sum.Accepted),
		zap.Int("distributed", sum.Distributed),
		zap.Int("failed", sum.Failed))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return sum, err
	}
	return sum, nil
}

// acceptLoop accepts until the listener closes. At most MaxConns
// connections are served at once; further peers wait in the kernel
// backlog. Temporary accept errors such as running out of file
// descriptors are retried with a doubling backoff.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	sem := semaphore.NewWeighted(int64(s.cfg.MaxConns))
	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		nc, err := ln.Accept()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if !temporary(err) {
				return fmt.Errorf("accept: %w", err)
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			_ = s.ServeConn(ctx, nc)
		}()
	}
}

// temporary reports whether an accept error is worth retrying.
func temporary(err error) bool {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var ne interface{ Temporary() bool }
	return errors.As(err, &ne) && ne.Temporary()
}

// ServeConn runs the coordinator side of the protocol on an established
// stream: it challenges first, then distributes and disconnects once the
// handshake completes. The stream is closed on return.
//
// Parameters:
//   - ctx: Cancel to close the connection early
//   - nc: Accepted stream; any net.Conn works, including net.Pipe
//
// Returns:
//   - error: nil after a clean disconnect, the fatal error otherwise.
//     The same error is recorded on the connection's Session.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	slots := s.snapshot()
	c := protocol.NewConn(nc, protocol.Options{
		Role:             protocol.RoleCoordinator,
		Secret:           s.cfg.Secret(),
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		MaxPayload:       s.cfg.MaxPayload,
		Logger:           s.log,
		OnAuthenticated: func(c *protocol.Conn) error {
			return s.distribute(c, slots)
		},
	})
	s.tracker.Open(c.ID(), nc.RemoteAddr().String())
	c.Logger().Debug("accepted connection")

	err := c.Challenge()
	if err != nil {
		c.Close()
	} else {
		err = c.Serve(ctx)
	}
	s.tracker.Close(c.ID(), err)
	return err
}

// distribute sends one command per filled slot, then disconnects.
func (s *Server) distribute(c *protocol.Conn, slots map[workfn.Role]workfn.Definition) error {
	s.tracker.MarkAuthenticated(c.ID())

	sent := make([]string, 0, len(slots))
	for _, role := range workfn.Roles {
		d, ok := slots[role]
		if !ok {
			continue
		}
		payload, err := workfn.EncodeRef(d.Ref())
		if err != nil {
			return err
		}
		if err := c.Send(protocol.Header{Action: role.Action()}, payload); err != nil {
			return err
		}
		sent = append(sent, d.Name)
	}
	s.tracker.MarkDistributed(c.ID(), sent)
	c.Logger().Info("distributed work functions", zap.Strings("functions", sent))
	return c.Disconnect()
}

func (s *Server) snapshot() map[workfn.Role]workfn.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[workfn.Role]workfn.Definition, len(s.slots))
	for r, d := range s.slots {
		out[r] = d
	}
	return out
}
