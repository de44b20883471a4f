package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// NonceSize is the number of random bytes in a challenge nonce.
const NonceSize = 20

var (
	// ErrAuthFailed is returned when the peer's MAC does not match
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnexpectedAuth is returned for an auth command with no outstanding challenge
	ErrUnexpectedAuth = errors.New("auth without outstanding challenge")
	// ErrUnauthenticated is returned for an application command received before the peer was verified
	ErrUnauthenticated = errors.New("command before authentication")
	// ErrEmptyChallenge is returned for a challenge command carrying no nonce
	ErrEmptyChallenge = errors.New("empty challenge")
	// ErrChallengeIssued is returned when a side tries to challenge twice
	ErrChallengeIssued = errors.New("challenge already issued")
)

// NewNonce returns a fresh hex-encoded random challenge value.
func NewNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ComputeMAC returns the lowercase hex HMAC-SHA256 of nonce keyed by secret.
func ComputeMAC(secret []byte, nonce string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(nonce))
	return hex.EncodeToString(m.Sum(nil))
}

// Handshake is the per-connection state of the mutual challenge-response
// exchange. Each side challenges the other once and verifies the reply;
// the connection is complete when this side has verified the peer and
// answered the peer's challenge.
//
// Handshake never touches the network. Its methods return the headers
// the caller must send.
type Handshake struct {
	secret   []byte                 // Shared password, never sent
	nonce    string                 // Outstanding challenge, cleared once verified
	issued   bool                   // This side has challenged
	verified bool                   // Peer answered our challenge correctly
	answered bool                   // We answered the peer's challenge
	nonceFn  func() (string, error) // Nonce source, NewNonce outside tests
}

// NewHandshake creates handshake state bound to the shared secret.
func NewHandshake(secret []byte) *Handshake {
	return &Handshake{secret: secret, nonceFn: NewNonce}
}

// Challenge issues this side's challenge. It fails with ErrChallengeIssued
// when called a second time.
func (h *Handshake) Challenge() (Header, error) {
	if h.issued {
		return Header{}, ErrChallengeIssued
	}
	n, err := h.nonceFn()
	if err != nil {
		return Header{}, err
	}
	h.nonce = n
	h.issued = true
	return Header{Action: ActionChallenge, Msg: n}, nil
}

// Respond answers a peer challenge. The auth reply comes first; if this
// side has not challenged the peer yet its own challenge follows, which
// makes the exchange mutual. A challenge arriving after this side already
// challenged (both sides opened at once) gets the auth reply only.
//
// Parameters:
//   - msg: Nonce from the peer's challenge
//
// Returns:
//   - []Header: Headers to send, in order
//   - error: ErrEmptyChallenge, or a nonce generation failure
//
// Example:
//
//	replies, err := hs.Respond(f.Header.Msg)
//	for _, h := range replies {
//	    conn.Send(h, nil)
//	}
func (h *Handshake) Respond(msg string) ([]Header, error) {
	if msg == "" {
		return nil, ErrEmptyChallenge
	}
	out := []Header{{Action: ActionAuth, MAC: ComputeMAC(h.secret, msg)}}
	h.answered = true
	if !h.issued {
		c, err := h.Challenge()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Verify checks the peer's answer to this side's challenge. On success the
// nonce is consumed and a second auth is rejected with ErrUnexpectedAuth.
//
// Parameters:
//   - mac: Hex MAC from the peer's auth command
//
// Returns:
//   - error: nil when the MAC matches, ErrAuthFailed when it does not,
//     ErrUnexpectedAuth when no challenge is outstanding
func (h *Handshake) Verify(mac string) error {
	if !h.issued || h.verified {
		return ErrUnexpectedAuth
	}
	want := ComputeMAC(h.secret, h.nonce)
	if !hmac.Equal([]byte(want), []byte(mac)) {
		return ErrAuthFailed
	}
	h.verified = true
	h.nonce = ""
	return nil
}

// Issued reports whether this side has sent its challenge.
func (h *Handshake) Issued() bool { return h.issued }

// Verified reports whether the peer proved knowledge of the secret.
func (h *Handshake) Verified() bool { return h.verified }

// Complete reports whether both directions of the exchange are done as far
// as this side can observe: the peer is verified and its challenge answered.
func (h *Handshake) Complete() bool { return h.verified && h.answered }
