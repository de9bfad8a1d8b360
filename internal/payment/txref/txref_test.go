package txref

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refPattern = regexp.MustCompile(`^BF-[a-z0-9-]+-\d{13}(-[a-z0-9]{1,8})?-[a-z0-9]{6}$`)

func TestNewWithUser(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ref := New("growth", now, "USR_9f8e7d6c5b4a")

	assert.Regexp(t, refPattern, ref)
	parsed, err := Parse(ref)
	require.NoError(t, err)
	assert.Equal(t, "growth", parsed.PlanID)
	assert.Equal(t, "usr9f8e7", parsed.UserPrefix)
	assert.True(t, parsed.IssuedAt.Equal(now))
	assert.Len(t, parsed.Random, 6)
}

func TestNewWithoutUserAndHyphenatedPlan(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ref := New("growth-annual", now, "")

	parsed, err := Parse(ref)
	require.NoError(t, err)
	assert.Equal(t, "growth-annual", parsed.PlanID)
	assert.Empty(t, parsed.UserPrefix)
	assert.Equal(t, now.UnixMilli(), parsed.IssuedAt.UnixMilli())
}

func TestNumericUserPrefix(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	parsed, err := Parse(New("starter", now, "1234567890"))
	require.NoError(t, err)
	assert.Equal(t, "starter", parsed.PlanID)
	assert.Equal(t, "12345678", parsed.UserPrefix)
}

func TestReferencesAreUnique(t *testing.T) {
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ref := New("starter", now, "user")
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestParseRejectsForeignReferences(t *testing.T) {
	for _, ref := range []string{"", "T123456", "BF-growth-abc123", "XX-growth-1740823200000-abc123", "BF-1740823200000-abc123"} {
		_, err := Parse(ref)
		assert.ErrorIs(t, err, ErrMalformed, ref)
	}
}
