package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agaro/votecore/src/voting/types"
)

const (
	evmMixed = "0x52908400098527886E0F7030069857D2E4169EE7"
	evmLower = "0x52908400098527886e0f7030069857d2e4169ee7"
	// Alice's well-known development account.
	ss58Alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
)

func TestNormalize(t *testing.T) {
	got, err := Normalize(evmMixed)
	require.NoError(t, err)
	assert.Equal(t, evmLower, got)

	got, err = Normalize("  " + ss58Alice + " ")
	require.NoError(t, err)
	assert.Equal(t, ss58Alice, got)

	for _, bad := range []string{"", "0x1234", "not-an-address", "0xZZ908400098527886E0F7030069857D2E4169EE7"} {
		_, err := Normalize(bad)
		assert.ErrorIs(t, err, types.ErrInvalidRequest, bad)
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(evmMixed, evmLower))
	assert.False(t, Equal(evmLower, ss58Alice))
	assert.False(t, Equal("junk", "junk"))
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint("Poll-1", evmMixed)
	require.NoError(t, err)
	b, err := Fingerprint("poll-1", evmLower)
	require.NoError(t, err)
	assert.Equal(t, a, b, "fingerprint must ignore case of poll id and wallet")
	assert.Len(t, a, 64)

	c, err := Fingerprint("poll-2", evmLower)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = Fingerprint("", evmLower)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}
