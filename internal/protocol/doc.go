// Package protocol implements the connection layer shared by coordinators
// and workers: command framing over a byte stream, the mutual
// challenge-response handshake, and action dispatch.
//
// # Wire Format
//
// A command is a JSON header terminated by a single newline. When the
// header carries data-length, exactly that many raw payload bytes follow
// the newline; nothing terminates the payload and the next byte starts the
// next header.
//
//	{"action":"challenge","msg":"9f2c..."}\n
//	{"action":"auth","mac":"41d0..."}\n
//	{"action":"mapfn","data-length":52}\n<52 payload bytes>
//	{"action":"disconnect"}\n
//
// # Handshake
//
// Each side sends a random nonce in a challenge and expects an auth reply
// carrying HMAC-SHA256(secret, nonce). The side answering a challenge
// piggybacks its own challenge if it has not sent one yet, so the exchange
// completes in two messages per side:
//
//	coordinator                         worker
//	    challenge(N1)  ───────────────▶
//	                   ◀───────────────  auth(mac N1), challenge(N2)
//	    auth(mac N2)   ───────────────▶
//	    mapfn, reducefn, ..., disconnect ▶
//
// A MAC mismatch closes the connection. So does an auth with no
// outstanding challenge, or any application command before the peer is
// verified.
//
// # Concurrency
//
// A Conn is owned by the goroutine running its Serve loop. Commands on a
// connection are handled in arrival order on that goroutine; connections
// share nothing except the read-only secret.
package protocol
