package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen_RoundTrips(t *testing.T) {
	box := NewBox("master-secret")
	blob, err := box.Seal([]byte("api-key-123"))
	require.NoError(t, err)

	plain, err := box.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, "api-key-123", string(plain))
}

func TestSeal_IsNotDeterministic(t *testing.T) {
	box := NewBox("master-secret")
	a, err := box.Seal([]byte("same-value"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same-value"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "salt+nonce should differ across seals")
}

func TestOpen_WrongMasterFails(t *testing.T) {
	blob, err := NewBox("master-1").Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = NewBox("master-2").Open(blob)
	assert.Error(t, err)
}

func TestOpen_RejectsTruncatedBlob(t *testing.T) {
	box := NewBox("master")
	_, err := box.Open([]byte("short"))
	assert.Error(t, err)
}
