package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"id":1}}`)
	sig := Sign(body, "whsec")

	assert.True(t, Verify(body, sig, "whsec"))
	assert.True(t, Verify(body, strings.ToUpper(sig), "whsec"))
	assert.False(t, Verify(body, sig, "other"))
	assert.False(t, Verify(append(body, ' '), sig, "whsec"))
	assert.False(t, Verify(body, "", "whsec"))
	assert.False(t, Verify(body, sig, ""))
	assert.Len(t, sig, 128)
}
