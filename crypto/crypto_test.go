package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStableStringifySortsKeysRecursively(t *testing.T) {
	value := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{
			"z": []interface{}{3, 1, 2},
			"y": "text",
		},
	}
	out, err := StableStringify(value)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":"text","z":[3,1,2]},"b":1}`, out)
}

func TestStableStringifyIsDeterministicAcrossStructs(t *testing.T) {
	type payload struct {
		RelayKey string `json:"relayKey"`
		TTL      int    `json:"ttlSeconds"`
	}
	a, err := StableStringify(payload{RelayKey: "ab", TTL: 60})
	require.NoError(t, err)
	b, err := StableStringify(map[string]interface{}{"ttlSeconds": 60, "relayKey": "ab"})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	body := map[string]interface{}{"relayKey": "deadbeef", "scope": "read"}
	ts := time.Now()

	sig, err := Sign(secret, "client-1", body, ts)
	require.NoError(t, err)
	require.NoError(t, VerifyAt(secret, "client-1", body, ts, sig, 0, ts.Add(time.Minute)))
}

func TestVerifyRejectsOutsideTolerance(t *testing.T) {
	secret := []byte("shared-secret")
	body := map[string]interface{}{"k": "v"}
	ts := time.Now()
	sig, err := Sign(secret, "client-1", body, ts)
	require.NoError(t, err)

	err = VerifyAt(secret, "client-1", body, ts, sig, 0, ts.Add(6*time.Minute))
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsMutatedBody(t *testing.T) {
	secret := []byte("shared-secret")
	ts := time.Now()
	sig, err := Sign(secret, "client-1", map[string]interface{}{"k": "v"}, ts)
	require.NoError(t, err)

	err = VerifyAt(secret, "client-1", map[string]interface{}{"k": "v2"}, ts, sig, 0, ts)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsBadHex(t *testing.T) {
	err := VerifyAt([]byte("s"), "c", map[string]interface{}{}, time.Now(), "zz-not-hex", 0, time.Now())
	require.ErrorIs(t, err, ErrBadEncoding)
}

func TestSealOpenRoundTrip(t *testing.T) {
	pub, sec, err := GenerateSealKeyPair()
	require.NoError(t, err)

	sealed, err := SealPayload(pub, []byte("writer-key-material"))
	require.NoError(t, err)

	opened, err := OpenPayload(sec, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("writer-key-material"), opened)
}

func TestOpenFailsWithWrongKey(t *testing.T) {
	pub, _, err := GenerateSealKeyPair()
	require.NoError(t, err)
	_, wrongSec, err := GenerateSealKeyPair()
	require.NoError(t, err)

	sealed, err := SealPayload(pub, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenPayload(wrongSec, sealed)
	require.ErrorIs(t, err, ErrSealingFailed)
}

func TestWithZeroizedBufferWipesOnReturn(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	var captured []byte
	err := WithZeroizedBuffer(src, func(buf []byte) error {
		captured = buf
		require.Equal(t, src, buf)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, captured)
	require.Equal(t, []byte{1, 2, 3, 4}, src)
}

func TestWithZeroizedBufferWipesOnError(t *testing.T) {
	var captured []byte
	sentinel := errors.New("handler failed")
	err := WithZeroizedBuffer([]byte{9, 9}, func(buf []byte) error {
		captured = buf
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, []byte{0, 0}, captured)
}

func TestWithZeroizedBufferWipesOnPanic(t *testing.T) {
	var captured []byte
	require.Panics(t, func() {
		_ = WithZeroizedBuffer([]byte{7, 7, 7}, func(buf []byte) error {
			captured = buf
			panic("boom")
		})
	})
	require.Equal(t, []byte{0, 0, 0}, captured)
}
