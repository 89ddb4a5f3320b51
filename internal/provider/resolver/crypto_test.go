package resolver

import (
	"testing"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("secret-a")
	require.NoError(t, err)

	sealed, err := s.Seal(map[string]string{"password": "hunter2"})
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hunter2")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", opened["password"])

	other, err := NewSealer("secret-b")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, providerdomain.ErrInvalidCiphertext)
}

func TestSealerWithoutKey(t *testing.T) {
	s, err := NewSealer("")
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	_, err = s.Seal(map[string]string{"a": "b"})
	assert.ErrorIs(t, err, providerdomain.ErrEncryptionKeyMissing)

	empty, err := s.Open(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
