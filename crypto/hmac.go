package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// RegionResponse is the expected attestation answer for one region:
// hex(HMAC-SHA256(key=nonce, msg=region)).
func RegionResponse(nonce, region []byte) string {
	mac := hmac.New(sha256.New, nonce)
	mac.Write(region)
	return hex.EncodeToString(mac.Sum(nil))
}

// ResponseMatches compares a client response with the expected one in
// constant time.
func ResponseMatches(expected, got string) bool {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	have, err := hex.DecodeString(got)
	if err != nil || len(have) != sha256.Size {
		return false
	}
	return hmac.Equal(want, have)
}
