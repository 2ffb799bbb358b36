package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("token", "tok-secret-bytes")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("sharedSecret", "hunter2")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("relay_key", "abc123")
	require.Equal(t, "abc123", attr.Value.String())

	attr = MaskField("peer_id", "peer-1")
	require.Equal(t, "peer-1", attr.Value.String())
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("token", "")
	require.Equal(t, "", attr.Value.String())
}

func TestRedactionAllowlistExcludesSecrets(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		require.NotContains(t, []string{"token", "secret", "writer_key", "shared_secret"}, key)
	}
	require.True(t, IsAllowlisted("relay_key"))
	require.False(t, IsAllowlisted("token"))
}
