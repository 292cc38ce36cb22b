package secretseal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	sealer, err := New(key)
	require.NoError(t, err)

	plaintext := []byte("JBSWY3DPEHPK3PXP")
	sealed, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	_, err := New([]byte("too-short"))
	require.Error(t, err)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x7}, 32)
	sealer, err := New(key)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = sealer.Open(sealed)
	require.Error(t, err)
}
