package crypto

import "errors"

var (
	// ErrInvalidSignature indicates a signature that does not match the
	// recomputed HMAC for the supplied payload.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrExpired indicates a timestamp outside the allowed clock tolerance.
	ErrExpired = errors.New("crypto: timestamp outside tolerance")
	// ErrBadEncoding indicates malformed hex or base64 input.
	ErrBadEncoding = errors.New("crypto: bad encoding")
	// ErrSealingFailed indicates a sealed payload that could not be
	// produced or opened with the supplied keys.
	ErrSealingFailed = errors.New("crypto: sealing failed")
)
