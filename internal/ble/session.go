package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	blecrypto "github.com/chaz8081/plejd-mqtt/internal/ble/crypto"
)

// session is one authenticated link to an ingress device. Exactly one exists
// at a time and it is never reused after it is closed.
type session struct {
	address string
	conn    Connection
	key     []byte // per-device key derived from the mesh key

	data     Characteristic
	lastData Characteristic
	auth     Characteristic
	ping     Characteristic

	done      chan struct{}
	closeOnce sync.Once
}

// newSession discovers the Plejd characteristics on conn and derives the
// session key for address.
func newSession(conn Connection, address string, meshKey []byte) (*session, error) {
	addr, err := blecrypto.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	key, err := blecrypto.DeriveKey(meshKey, addr)
	if err != nil {
		return nil, err
	}

	s := &session{
		address: address,
		conn:    conn,
		key:     key,
		done:    make(chan struct{}),
	}
	chars := []struct {
		uuid string
		dst  *Characteristic
	}{
		{DataCharUUID, &s.data},
		{LastDataCharUUID, &s.lastData},
		{AuthCharUUID, &s.auth},
		{PingCharUUID, &s.ping},
	}
	for _, c := range chars {
		ch, err := conn.DiscoverCharacteristic(ServiceUUID, c.uuid)
		if err != nil {
			return nil, fmt.Errorf("ble: discover %s: %w", c.uuid, err)
		}
		*c.dst = ch
	}
	return s, nil
}

// close marks the session dead and releases anything waiting on it.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// authenticate runs the AUTH challenge-response handshake and confirms it
// with a ping. The mesh drops unauthenticated links silently, so the ping is
// the only acknowledgement that the response was accepted.
func (s *session) authenticate(ctx context.Context, meshKey []byte, pingByte byte) error {
	if _, err := callWithContext(ctx, s.done, func() (struct{}, error) {
		return struct{}{}, s.auth.Write([]byte{0x00})
	}); err != nil {
		return authError(fmt.Errorf("initiate challenge: %w", err))
	}

	challenge, err := callWithContext(ctx, s.done, s.auth.Read)
	if err != nil {
		return authError(fmt.Errorf("read challenge: %w", err))
	}

	resp, err := blecrypto.AuthResponse(meshKey, challenge)
	if err != nil {
		return &AuthenticationError{Kind: InvalidKey, Err: err}
	}

	if _, err := callWithContext(ctx, s.done, func() (struct{}, error) {
		return struct{}{}, s.auth.Write(resp)
	}); err != nil {
		return authError(fmt.Errorf("write response: %w", err))
	}

	if err := s.pingOnce(ctx, pingByte); err != nil {
		var mismatch *pingMismatchError
		if errors.As(err, &mismatch) {
			return &AuthenticationError{Kind: InvalidKey, Err: err}
		}
		return authError(err)
	}
	return nil
}

func authError(err error) error {
	return &AuthenticationError{Kind: AuthTimeout, Err: err}
}

type pingMismatchError struct {
	sent, got byte
	empty     bool
}

func (e *pingMismatchError) Error() string {
	if e.empty {
		return "ble: empty pong"
	}
	return fmt.Sprintf("ble: pong 0x%02x does not answer ping 0x%02x", e.got, e.sent)
}

// pingOnce writes b to the PING characteristic and expects b+1 back.
func (s *session) pingOnce(ctx context.Context, b byte) error {
	if _, err := callWithContext(ctx, s.done, func() (struct{}, error) {
		return struct{}{}, s.ping.Write([]byte{b})
	}); err != nil {
		return fmt.Errorf("ble: ping write: %w", err)
	}
	pong, err := callWithContext(ctx, s.done, s.ping.Read)
	if err != nil {
		return fmt.Errorf("ble: ping read: %w", err)
	}
	if len(pong) == 0 {
		return &pingMismatchError{sent: b, empty: true}
	}
	if pong[0] != b+1 {
		return &pingMismatchError{sent: b, got: pong[0]}
	}
	return nil
}

// callWithContext runs fn in a goroutine and returns when it finishes, ctx is
// done, or the session dies. BLE stack calls cannot be interrupted, so a
// call that outlives ctx keeps running in the background.
func callWithContext[T any](ctx context.Context, done <-chan struct{}, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		return zero, ErrDisconnected
	}
}
