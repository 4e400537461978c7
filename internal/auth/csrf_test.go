package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFIssueAndValidate(t *testing.T) {
	c := NewCSRF(testSecret)

	token, err := c.Issue()
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], csrfTokenBytes*2)
	assert.Len(t, parts[2], csrfMacHexLen)

	assert.True(t, c.Validate(token, token))
}

func TestCSRFRejectsMismatchedPair(t *testing.T) {
	c := NewCSRF(testSecret)

	cookie, err := c.Issue()
	require.NoError(t, err)
	header, err := c.Issue()
	require.NoError(t, err)

	// Both tokens are individually valid but do not match each other.
	assert.False(t, c.Validate(cookie, header))
}

func TestCSRFRejectsTampering(t *testing.T) {
	c := NewCSRF(testSecret)
	token, err := c.Issue()
	require.NoError(t, err)
	parts := strings.Split(token, ".")

	forged := "f" + parts[0][1:] + "." + parts[1] + "." + parts[2]
	assert.False(t, c.Validate(forged, forged))

	badMac := parts[0] + "." + parts[1] + "." + strings.Repeat("0", csrfMacHexLen)
	assert.False(t, c.Validate(badMac, badMac))

	assert.False(t, c.Validate("", ""))
	assert.False(t, c.Validate("only.two", "only.two"))
}

func TestCSRFRejectsExpiredToken(t *testing.T) {
	c := NewCSRF(testSecret)
	token, err := c.Issue()
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	assert.False(t, c.Validate(token, token))
}

func TestCSRFOtherSecretCannotForge(t *testing.T) {
	c := NewCSRF(testSecret)
	other := NewCSRF("a-completely-different-signing-key!!")

	token, err := other.Issue()
	require.NoError(t, err)
	assert.False(t, c.Validate(token, token))
}
