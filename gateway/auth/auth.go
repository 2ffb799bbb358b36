// Package auth verifies shared-secret HMAC signatures on gateway control
// requests and guards against replays with a bounded nonce cache.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hypertuna/crypto"
)

const (
	// HeaderClientID identifies the signing client.
	HeaderClientID = "X-Hypertuna-Client-Id"
	// HeaderTimestamp is the signing time in unix milliseconds.
	HeaderTimestamp = "X-Hypertuna-Timestamp"
	// HeaderNonce provides replay protection within the skew window.
	HeaderNonce = "X-Hypertuna-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 over the canonical body.
	HeaderSignature = "X-Hypertuna-Signature"

	// MaxSignedBody bounds the body size accepted for signature checks.
	MaxSignedBody = 1 << 20

	defaultNonceCapacity = 4096
)

var (
	// ErrUnauthorized covers every signature rejection. Handlers map it to
	// 403 with the unauthorized slug; details stay in the logs.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrReplay indicates a nonce seen before inside the window.
	ErrReplay = errors.New("auth: replayed request")
)

// Authenticator checks signed control-plane requests against the gateway's
// shared secret.
type Authenticator struct {
	secret    []byte
	tolerance time.Duration
	nowFn     func() time.Time
	replays   *replayCache
}

// New builds an authenticator. Tolerance zero takes the crypto default.
func New(secret []byte, tolerance time.Duration) *Authenticator {
	if tolerance <= 0 {
		tolerance = crypto.DefaultSignatureTolerance
	}
	return &Authenticator{
		secret:    secret,
		tolerance: tolerance,
		nowFn:     time.Now,
		replays:   newReplayCache(tolerance*2, defaultNonceCapacity),
	}
}

// Authenticate validates the signing headers against the request body and
// returns the client id. The body must be the exact bytes that were signed.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (string, error) {
	if len(body) > MaxSignedBody {
		return "", fmt.Errorf("%w: body too large", ErrUnauthorized)
	}
	clientID := strings.TrimSpace(r.Header.Get(HeaderClientID))
	if clientID == "" {
		return "", fmt.Errorf("%w: missing %s", ErrUnauthorized, HeaderClientID)
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	millis, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad %s", ErrUnauthorized, HeaderTimestamp)
	}
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if signature == "" {
		return "", fmt.Errorf("%w: missing %s", ErrUnauthorized, HeaderSignature)
	}

	var payload interface{} = map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("%w: body is not JSON", ErrUnauthorized)
		}
	}
	now := a.nowFn()
	ts := time.UnixMilli(millis)
	if err := crypto.VerifyAt(a.secret, clientID, payload, ts, signature, a.tolerance, now); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	replayKey := clientID + "|" + tsHeader + "|" + nonce + "|" + signature
	if a.replays.Seen(replayKey, now) {
		return "", ErrReplay
	}
	return clientID, nil
}
