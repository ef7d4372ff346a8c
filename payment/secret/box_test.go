package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const privateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSealOpen(t *testing.T) {
	box, err := NewBox("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, box.Enabled())

	sealed, err := box.Seal(privateKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, privateKey)

	again, err := box.Seal(privateKey)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces are random")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, privateKey, plain)
}

func TestOpenWithWrongSecret(t *testing.T) {
	box, err := NewBox("one")
	require.NoError(t, err)
	sealed, err := box.Seal(privateKey)
	require.NoError(t, err)

	other, err := NewBox("two")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	disabled, err := NewBox("")
	require.NoError(t, err)
	_, err = disabled.Open(sealed)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestDisabledBoxPassesThrough(t *testing.T) {
	box, err := NewBox("")
	require.NoError(t, err)
	assert.False(t, box.Enabled())

	sealed, err := box.Seal(privateKey)
	require.NoError(t, err)
	assert.Equal(t, privateKey, sealed)

	plain, err := box.Open(privateKey)
	require.NoError(t, err)
	assert.Equal(t, privateKey, plain)
}
