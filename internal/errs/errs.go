// Package errs defines the sentinel error values shared across the
// coordinator. Components wrap one of these with fmt.Errorf("...: %w", ...)
// so callers can classify failures with errors.Is regardless of which
// component raised them.
package errs

import "errors"

var (
	// ErrConfig marks a fatal startup misconfiguration (missing/invalid KEK,
	// missing required setting).
	ErrConfig = errors.New("config error")

	// ErrInvalidInput marks a caller mistake: empty file, bad header, unknown
	// identifier supplied by the caller.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTooLarge marks an upload exceeding the configured maximum file size.
	ErrTooLarge = errors.New("file too large")

	// ErrInsufficientCapacity marks a placement that could not find enough
	// eligible devices.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrNotConnected marks a device channel operation against a device with
	// no open connection.
	ErrNotConnected = errors.New("device not connected")

	// ErrTimeout marks a device channel request that exceeded its deadline.
	ErrTimeout = errors.New("device request timed out")

	// ErrDeviceRejected marks a device channel request the remote device
	// explicitly refused.
	ErrDeviceRejected = errors.New("device rejected request")

	// ErrIntegrity marks a ciphertext or whole-file hash mismatch.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrAuth marks an AEAD tag or associated-data mismatch during decryption.
	ErrAuth = errors.New("authentication failed")

	// ErrCrypto marks a lower-level cryptographic failure (malformed wrapped
	// key, bad nonce length).
	ErrCrypto = errors.New("crypto error")

	// ErrNotFound marks an unknown file, chunk, or device identifier.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a chunk with no live holder to serve it.
	ErrUnavailable = errors.New("unavailable")
)
