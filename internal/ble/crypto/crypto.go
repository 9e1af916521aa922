// Package crypto provides the cryptographic primitives of the Plejd BLE mesh:
// per-device key derivation from the site mesh key, the XOR keystream used to
// encrypt and decrypt frames, the authentication challenge response, and
// AES-256-GCM sealing used to keep the cached site (which holds the mesh key)
// encrypted at rest.
//
// Everything here is pure. No function performs I/O or keeps state, so the
// package can be tested against fixed vectors without any BLE hardware.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the mesh key and of every derived device key.
	KeySize = 16
	// AddressSize is the size of a BLE device address.
	AddressSize = 6
	// ChallengeSize is the size of the AUTH challenge issued by a device.
	ChallengeSize = 16
)

var (
	// ErrKeySize is returned when a mesh or device key is not 16 bytes.
	ErrKeySize = errors.New("ble/crypto: key must be 16 bytes")
	// ErrAddressSize is returned when a device address is not 6 bytes.
	ErrAddressSize = errors.New("ble/crypto: address must be 6 bytes")
)

// ParseAddress converts a MAC string ("AA:BB:CC:DD:EE:FF", with or without
// separators) into the 6-byte form used on the wire, which is the MAC in
// reversed byte order.
func ParseAddress(mac string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(mac)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse address %q: %w", mac, err)
	}
	if len(raw) != AddressSize {
		return nil, fmt.Errorf("%w, got %d from %q", ErrAddressSize, len(raw), mac)
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return raw, nil
}

// DeriveKey derives the per-device session key from the mesh key and the
// wire-order device address (see ParseAddress).
//
// The 16-byte seed is the address repeated twice followed by its first four
// bytes. The seed is encrypted as a single AES-128 block under the mesh key.
func DeriveKey(meshKey, address []byte) ([]byte, error) {
	if len(meshKey) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(meshKey))
	}
	if len(address) != AddressSize {
		return nil, fmt.Errorf("%w, got %d", ErrAddressSize, len(address))
	}

	seed := make([]byte, 0, aes.BlockSize)
	seed = append(seed, address...)
	seed = append(seed, address...)
	seed = append(seed, address[:4]...)

	block, err := aes.NewCipher(meshKey)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	key := make([]byte, aes.BlockSize)
	block.Encrypt(key, seed)
	return key, nil
}

// CryptFrame XORs payload with the keystream produced by key, cycling the
// 16-byte stream over payloads of any length. Encryption and decryption are
// the same operation. The input slice is not modified.
func CryptFrame(key, payload []byte) []byte {
	out := make([]byte, len(payload))
	if len(key) == 0 {
		copy(out, payload)
		return out
	}
	for i, b := range payload {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// AuthResponse computes the reply to an AUTH challenge:
// sha256(meshKey XOR challenge), with the two halves of the digest folded
// together by XOR.
func AuthResponse(meshKey, challenge []byte) ([]byte, error) {
	if len(meshKey) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(meshKey))
	}
	if len(challenge) != ChallengeSize {
		return nil, fmt.Errorf("ble/crypto: challenge must be %d bytes, got %d", ChallengeSize, len(challenge))
	}

	mixed := make([]byte, KeySize)
	for i := range mixed {
		mixed[i] = meshKey[i] ^ challenge[i]
	}
	digest := sha256.Sum256(mixed)

	resp := make([]byte, KeySize)
	for i := range resp {
		resp[i] = digest[i] ^ digest[i+KeySize]
	}
	return resp, nil
}

// ParseMeshKey decodes the hex mesh key as delivered by the cloud API, which
// may contain dashes.
func ParseMeshKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.ReplaceAll(s, "-", ""))
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse mesh key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(key))
	}
	return key, nil
}

// DeriveCacheKey uses HKDF-SHA256 to derive a 32-byte AES key from a
// user-supplied cache secret.
func DeriveCacheKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("ble/crypto: cache secret must not be empty")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("plejd-site-cache"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM. The output is nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ble/crypto: random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ble/crypto: sealed data too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return aead, nil
}
