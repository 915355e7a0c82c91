package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegionResponseMatches(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")
	expected := RegionResponse(nonce, []byte("region-0"))

	assert.True(t, ResponseMatches(expected, expected))
	assert.False(t, ResponseMatches(expected, RegionResponse(nonce, []byte("region-1"))))
	assert.False(t, ResponseMatches(expected, RegionResponse([]byte("other nonce"), []byte("region-0"))))
	assert.False(t, ResponseMatches(expected, "zz"))
	assert.False(t, ResponseMatches(expected, expected[:10]))
}
