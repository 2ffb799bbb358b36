package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna/crypto"
)

var secret = []byte("control-plane-secret")

func signedRequest(t *testing.T, clientID string, payload map[string]interface{}, ts time.Time, nonce string) (*http.Request, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	sig, err := crypto.Sign(secret, clientID, payload, ts)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/relay-tokens/issue", bytes.NewReader(body))
	req.Header.Set(HeaderClientID, clientID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.UnixMilli(), 10))
	req.Header.Set(HeaderSignature, sig)
	if nonce != "" {
		req.Header.Set(HeaderNonce, nonce)
	}
	return req, body
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	ts := time.Now()
	req, body := signedRequest(t, "web-client", map[string]interface{}{"subjectId": "peerA"}, ts, "n-1")

	a := New(secret, 0)
	a.nowFn = func() time.Time { return ts }
	clientID, err := a.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, "web-client", clientID)
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	ts := time.Now()
	req, _ := signedRequest(t, "web-client", map[string]interface{}{"subjectId": "peerA"}, ts, "")

	a := New(secret, 0)
	a.nowFn = func() time.Time { return ts }
	_, err := a.Authenticate(req, []byte(`{"subjectId":"peerB"}`))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	ts := time.Now().Add(-10 * time.Minute)
	req, body := signedRequest(t, "web-client", map[string]interface{}{"subjectId": "peerA"}, ts, "")

	a := New(secret, 0)
	_, err := a.Authenticate(req, body)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRejectsMissingHeaders(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/relay-tokens/issue", bytes.NewReader(nil))
	a := New(secret, 0)
	_, err := a.Authenticate(req, nil)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRejectsReplay(t *testing.T) {
	ts := time.Now()
	req, body := signedRequest(t, "web-client", map[string]interface{}{"subjectId": "peerA"}, ts, "nonce-1")

	a := New(secret, 0)
	a.nowFn = func() time.Time { return ts }

	_, err := a.Authenticate(req, body)
	require.NoError(t, err)
	_, err = a.Authenticate(req, body)
	require.ErrorIs(t, err, ErrReplay)
}

func TestReplayCacheEvictsByCapacity(t *testing.T) {
	cache := newReplayCache(time.Minute, 2)
	now := time.Now()
	require.False(t, cache.Seen("a", now))
	require.False(t, cache.Seen("b", now))
	require.False(t, cache.Seen("c", now)) // evicts "a"
	require.False(t, cache.Seen("a", now))
	require.True(t, cache.Seen("c", now))
}

func TestReplayCacheExpiresByTTL(t *testing.T) {
	cache := newReplayCache(time.Minute, 10)
	now := time.Now()
	require.False(t, cache.Seen("a", now))
	require.True(t, cache.Seen("a", now.Add(30*time.Second)))
	require.False(t, cache.Seen("a", now.Add(2*time.Minute)))
}
