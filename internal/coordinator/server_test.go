package coordinator

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/mincer/internal/config"
	"github.com/dreamware/mincer/internal/protocol"
	"github.com/dreamware/mincer/internal/storage"
	"github.com/dreamware/mincer/internal/worker"
	"github.com/dreamware/mincer/internal/workfn"
)

func testConfig(password string) *config.Config {
	return &config.Config{
		Password:         password,
		Host:             "127.0.0.1",
		Port:             0,
		MaxConns:         8,
		HandshakeTimeout: 2 * time.Second,
		MaxPayload:       protocol.DefaultMaxPayload,
	}
}

type runResult struct {
	summary Summary
	err     error
}

// startServer runs srv in the background and returns its address and a
// stop function that cancels it and waits for the summary.
func startServer(t *testing.T, srv *Server) (string, func() runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		sum, err := srv.Run(ctx)
		done <- runResult{sum, err}
	}()

	select {
	case <-srv.Ready():
	case res := <-done:
		cancel()
		t.Fatalf("server exited early: %v", res.err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server not ready")
	}

	var once sync.Once
	var res runResult
	stop := func() runResult {
		once.Do(func() {
			cancel()
			select {
			case res = <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("server did not stop")
			}
		})
		return res
	}
	t.Cleanup(func() { stop() })
	return srv.Addr().String(), stop
}

func newWordCountServer(t *testing.T) *Server {
	t.Helper()
	srv := New(testConfig("changeme"), WithLogger(zaptest.NewLogger(t)))
	srv.SetDatasource(storage.FromLines([]string{"a a b"}))
	for _, d := range workfn.WordCount() {
		require.NoError(t, srv.SetFunc(d))
	}
	return srv
}

func newWorker(t *testing.T, password string, opts ...worker.Option) *worker.Client {
	t.Helper()
	opts = append([]worker.Option{worker.WithLogger(zaptest.NewLogger(t))}, opts...)
	return worker.New(testConfig(password), workfn.Builtins(), opts...)
}

// TestDistributeToWorker runs the whole exchange over TCP
func TestDistributeToWorker(t *testing.T) {
	srv := newWordCountServer(t)
	addr, stop := startServer(t, srv)

	w := newWorker(t, "changeme")
	require.NoError(t, w.Run(context.Background(), addr))

	env := w.Environment()
	require.Len(t, env.Refs(), 3)

	value, err := srv.Datasource().Get("0")
	require.NoError(t, err)
	out, err := env.Map("0", value)
	require.NoError(t, err)
	assert.Equal(t, []workfn.KeyValue{
		{Key: "a", Value: 1},
		{Key: "a", Value: 1},
		{Key: "b", Value: 1},
	}, out)

	res := stop()
	require.NoError(t, res.err)
	assert.Equal(t, Summary{Accepted: 1, Authenticated: 1, Distributed: 1}, res.summary)

	sessions := srv.Tracker().All()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateDistributed, sessions[0].State)
	assert.Equal(t, []string{
		workfn.WordCountMap,
		workfn.WordCountReduce,
		workfn.WordCountCollect,
	}, sessions[0].Functions)
}

// TestWrongPassword verifies a worker with another secret gets nothing
func TestWrongPassword(t *testing.T) {
	srv := newWordCountServer(t)
	addr, stop := startServer(t, srv)

	w := newWorker(t, "wrong")
	assert.Error(t, w.Run(context.Background(), addr))
	assert.Empty(t, w.Environment().Refs())

	res := stop()
	require.NoError(t, res.err)
	assert.Equal(t, Summary{Accepted: 1, Failed: 1}, res.summary)

	sessions := srv.Tracker().All()
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions[0].Err, protocol.ErrAuthFailed.Error())
	assert.Empty(t, sessions[0].Functions)
}

// TestEagerWorker verifies simultaneous challenges still authenticate
func TestEagerWorker(t *testing.T) {
	srv := newWordCountServer(t)
	addr, stop := startServer(t, srv)

	w := newWorker(t, "changeme", worker.WithEagerChallenge())
	require.NoError(t, w.Run(context.Background(), addr))
	assert.Len(t, w.Environment().Refs(), 3)

	res := stop()
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Distributed)
}

// TestConcurrentWorkers verifies connections are served independently
func TestConcurrentWorkers(t *testing.T) {
	srv := newWordCountServer(t)
	addr, stop := startServer(t, srv)

	const n = 5
	workers := make([]*worker.Client, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = newWorker(t, "changeme")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = workers[i].Run(context.Background(), addr)
		}(i)
	}
	wg.Wait()

	for i, w := range workers {
		require.NoError(t, errs[i], "worker %d", i)
		assert.Len(t, w.Environment().Refs(), 3, "worker %d", i)
	}

	res := stop()
	require.NoError(t, res.err)
	assert.Equal(t, Summary{Accepted: n, Authenticated: n, Distributed: n}, res.summary)
}

// TestPartialSlots verifies only filled slots are sent
func TestPartialSlots(t *testing.T) {
	srv := New(testConfig("changeme"), WithLogger(zaptest.NewLogger(t)))
	mapDef := workfn.WordCount()[0]
	require.NoError(t, srv.SetMapFunc(mapDef))
	addr, stop := startServer(t, srv)

	w := newWorker(t, "changeme")
	require.NoError(t, w.Run(context.Background(), addr))
	assert.Equal(t, []workfn.Ref{mapDef.Ref()}, w.Environment().Refs())

	// a cleared slot is not sent to later workers
	srv.ClearFunc(workfn.RoleMap)
	late := newWorker(t, "changeme")
	require.NoError(t, late.Run(context.Background(), addr))
	assert.Empty(t, late.Environment().Refs())

	res := stop()
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.summary.Distributed)
}

// TestUnknownFunctionOnWorker verifies a worker that cannot resolve a
// reference fails without installing anything
func TestUnknownFunctionOnWorker(t *testing.T) {
	srv := New(testConfig("changeme"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.SetReduceFunc(workfn.Definition{
		Name:    "custom.reduce",
		Version: 1,
		Role:    workfn.RoleReduce,
		Reduce:  func(string, []any) any { return nil },
	}))
	addr, stop := startServer(t, srv)

	w := newWorker(t, "changeme")
	assert.ErrorIs(t, w.Run(context.Background(), addr), workfn.ErrUnknownFunction)
	assert.Empty(t, w.Environment().Refs())
	stop()
}

// TestSlotSetters verifies the typed setters check roles
func TestSlotSetters(t *testing.T) {
	srv := New(testConfig("changeme"))
	defs := workfn.WordCount()

	assert.ErrorIs(t, srv.SetMapFunc(defs[1]), workfn.ErrRoleMismatch)
	assert.ErrorIs(t, srv.SetReduceFunc(defs[0]), workfn.ErrRoleMismatch)
	assert.ErrorIs(t, srv.SetCollectFunc(defs[1]), workfn.ErrRoleMismatch)
	assert.Error(t, srv.SetFunc(workfn.Definition{Name: "x", Version: 1, Role: workfn.RoleMap}))

	require.NoError(t, srv.SetCollectFunc(defs[2]))
	d, ok := srv.Func(workfn.RoleCollect)
	require.True(t, ok)
	assert.Equal(t, workfn.WordCountCollect, d.Name)

	_, ok = srv.Func(workfn.RoleMap)
	assert.False(t, ok)
	assert.Nil(t, srv.Datasource())
	assert.Nil(t, srv.Addr())
}

// TestRunTwice verifies a server can only be started once
func TestRunTwice(t *testing.T) {
	srv := newWordCountServer(t)
	_, stop := startServer(t, srv)

	_, err := srv.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	res := stop()
	assert.NoError(t, res.err)
}

// TestListenFailure verifies a bind error is returned
func TestListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig("changeme")
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	srv := New(cfg)

	_, err = srv.Run(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "listen")

	select {
	case <-srv.Ready():
	default:
		t.Fatal("Ready must be closed after a listen failure")
	}
	assert.Nil(t, srv.Addr())
}

// TestHandshakeTimeout verifies a silent client is dropped
func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig("changeme")
	cfg.HandshakeTimeout = 100 * time.Millisecond
	srv := New(cfg, WithLogger(zaptest.NewLogger(t)))
	addr, stop := startServer(t, srv)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	// the server closes after the deadline, so reads end
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	for {
		if _, err := nc.Read(buf); err != nil {
			var ne net.Error
			if assert.Error(t, err) && errors.As(err, &ne) {
				assert.False(t, ne.Timeout(), "client read should end before its own deadline")
			}
			break
		}
	}

	res := stop()
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Failed)
	sessions := srv.Tracker().All()
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions[0].Err, protocol.ErrHandshakeTimeout.Error())
}

// TestServeConnOnPipe verifies the coordinator side runs on any stream
func TestServeConnOnPipe(t *testing.T) {
	srv := newWordCountServer(t)
	w := newWorker(t, "changeme")
	a, b := net.Pipe()

	errc := make(chan error, 1)
	go func() { errc <- w.ServeConn(context.Background(), b) }()

	require.NoError(t, srv.ServeConn(context.Background(), a))
	require.NoError(t, <-errc)
	assert.Len(t, w.Environment().Refs(), 3)
	assert.Equal(t, 1, srv.Tracker().Summary().Distributed)
}

// flakyListener fails its first Accept calls with err, then blocks until
// closed.
type flakyListener struct {
	err      error
	failures int
	mu       sync.Mutex
	calls    int
	closed   chan struct{}
	once     sync.Once
}

func newFlakyListener(failures int, err error) *flakyListener {
	return &flakyListener{err: err, failures: failures, closed: make(chan struct{})}
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return nil, l.err
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (l *flakyListener) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// TestAcceptLoopRetriesTemporaryErrors verifies descriptor exhaustion does
// not stop the listener
func TestAcceptLoopRetriesTemporaryErrors(t *testing.T) {
	srv := New(testConfig("changeme"), WithLogger(zaptest.NewLogger(t)))
	emfile := &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	ln := newFlakyListener(3, emfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.acceptLoop(ctx, ln) }()

	require.Eventually(t, func() bool { return ln.Calls() > 3 }, 2*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("accept loop exited after a temporary error: %v", err)
	default:
	}

	cancel()
	ln.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop")
	}
}

// TestAcceptLoopStopsOnPermanentError verifies other accept errors end Run
func TestAcceptLoopStopsOnPermanentError(t *testing.T) {
	srv := New(testConfig("changeme"))
	ln := newFlakyListener(1, errors.New("listener broken"))

	err := srv.acceptLoop(context.Background(), ln)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener broken")
	assert.Equal(t, 1, ln.Calls())
}

// TestAcceptLoopBackoffHonorsCancel verifies a retry wait ends with ctx
func TestAcceptLoopBackoffHonorsCancel(t *testing.T) {
	srv := New(testConfig("changeme"))
	ln := newFlakyListener(1<<30, os.NewSyscallError("accept", syscall.ENFILE))
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, srv.acceptLoop(ctx, ln))
	assert.Greater(t, ln.Calls(), 1)
}

// TestTemporary covers which accept errors are retried
func TestTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"emfile", os.NewSyscallError("accept", syscall.EMFILE), true},
		{"enfile wrapped", &net.OpError{Op: "accept", Err: os.NewSyscallError("accept", syscall.ENFILE)}, true},
		{"connection aborted", os.NewSyscallError("accept", syscall.ECONNABORTED), true},
		{"closed listener", net.ErrClosed, false},
		{"plain error", errors.New("broken"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, temporary(tt.err))
		})
	}
}

// TestRoundTripMatchesCoordinator verifies the functions a worker installs
// behave exactly like the coordinator's own definitions
func TestRoundTripMatchesCoordinator(t *testing.T) {
	srv := newWordCountServer(t)
	addr, stop := startServer(t, srv)

	w := newWorker(t, "changeme")
	require.NoError(t, w.Run(context.Background(), addr))
	env := w.Environment()
	stop()

	mapDef, ok := srv.Func(workfn.RoleMap)
	require.True(t, ok)
	inputs := []string{
		"a a b",
		"",
		"   ",
		"Humpty Dumpty sat on a wall",
		"tabs\tand\nnewlines  and   runs of spaces",
		"naïve café 日本 語",
		"All the King's horses and all the King's men",
	}
	for i, in := range inputs {
		got, err := env.Map(strconv.Itoa(i), in)
		require.NoError(t, err)
		assert.Equal(t, mapDef.Map(strconv.Itoa(i), in), got, "input %q", in)
	}

	values := [][]any{nil, {1}, {1, 1, 1}, {int64(2), 3.0, uint(4)}}
	for _, role := range []workfn.Role{workfn.RoleReduce, workfn.RoleCollect} {
		def, ok := srv.Func(role)
		require.True(t, ok)
		for _, vs := range values {
			var got any
			var err error
			if role == workfn.RoleReduce {
				got, err = env.Reduce("k", vs)
			} else {
				got, err = env.Collect("k", vs)
			}
			require.NoError(t, err)
			assert.Equal(t, def.Reduce("k", vs), got, "%s %v", role, vs)
		}
	}
}
