// Package coordinator implements the listening side of the mincer protocol.
// Workers that prove the shared password receive the configured work
// functions.
//
// # Overview
//
// A Server owns a listener, a set of function slots (map, reduce,
// collect) and a datasource exposed to the scheduling layer that drives
// it. Every accepted connection runs on its own goroutine:
//
//	accept ──▶ challenge ──▶ handshake ──▶ mapfn/reducefn/collectfn ──▶ disconnect
//	                            │
//	                            └── MAC mismatch, timeout, bad frame ──▶ close
//
// # Core Components
//
// Server: Listener role
//   - Binds host:port (port 0 picks a free port, see Addr)
//   - Caps concurrent connections at max_conns
//   - Snapshots the function slots per connection
//   - Returns a Summary when its context is canceled
//
// Tracker: Session bookkeeping
//   - One Session per accepted connection
//   - States: handshaking, authenticated, distributed, failed
//   - Returns copies so callers never race with connection goroutines
//
// # Failure Handling
//
// Everything that goes wrong on one connection stays on it. The error
// closes that connection and is recorded on its Session; the accept loop
// and every other connection keep running. Only a listener failure ends
// Run with an error.
//
// # Usage Example
//
//	srv := coordinator.New(cfg, coordinator.WithLogger(log))
//	srv.SetDatasource(storage.FromLines(lines))
//	for _, d := range workfn.WordCount() {
//	    if err := srv.SetFunc(d); err != nil {
//	        return err
//	    }
//	}
//	summary, err := srv.Run(ctx)
package coordinator
