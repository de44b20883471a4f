// Package worker provides the dialing side of the protocol.
//
// A Client opens one connection to a coordinator and runs the mutual
// handshake. Every mapfn, reducefn and collectfn reference it then
// receives is resolved in the worker's own registry and installed. A
// reference that does not resolve exactly closes the connection before
// anything is installed. The connection ends when the coordinator sends
// disconnect.
//
//	w := worker.New(cfg, workfn.Builtins(), worker.WithLogger(log))
//	if err := w.Run(ctx, "coordinator:11235"); err != nil {
//	    return err
//	}
//	kvs, err := w.Environment().Map("0", "a a b")
package worker
