package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultSignatureTolerance bounds the clock skew accepted by Verify when the
// caller passes a non-positive tolerance.
const DefaultSignatureTolerance = 5 * time.Minute

// Sign computes the hex HMAC-SHA256 signature over
// "{tsMillis}:{clientID}:{canonicalBody}". The body is stable-stringified so
// the caller may pass any JSON-encodable value.
func Sign(secret []byte, clientID string, body interface{}, ts time.Time) (string, error) {
	canonical, err := StableStringify(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(signingPayload(ts, clientID, canonical))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature for the supplied request material and
// compares it in constant time. It fails with ErrExpired when |now-ts|
// exceeds the tolerance and ErrInvalidSignature on mismatch.
func Verify(secret []byte, clientID string, body interface{}, ts time.Time, signature string, tolerance time.Duration) error {
	return VerifyAt(secret, clientID, body, ts, signature, tolerance, time.Now())
}

// VerifyAt is Verify with an injectable clock for tests.
func VerifyAt(secret []byte, clientID string, body interface{}, ts time.Time, signature string, tolerance time.Duration, now time.Time) error {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrExpired
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	canonical, err := StableStringify(body)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(signingPayload(ts, clientID, canonical))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

func signingPayload(ts time.Time, clientID, canonicalBody string) []byte {
	return []byte(strconv.FormatInt(ts.UnixMilli(), 10) + ":" + clientID + ":" + canonicalBody)
}
