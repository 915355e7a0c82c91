package models

import (
	"regexp"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"meshcoord/apperr"
)

// PairingAlphabet excludes characters that are easy to misread (0/O, 1/I).
const PairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PairingCodeLength is the fixed pairing code length.
const PairingCodeLength = 8

var (
	idRegex          = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	tokenRegex       = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)
	platformRegex    = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)
	pairingCodeRegex = regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{8}$`)
)

// ValidateID checks a peer, device or server id.
func ValidateID(kind, id string) error {
	if !idRegex.MatchString(id) {
		return apperr.Validation("invalid " + kind)
	}
	return nil
}

// ValidateToken checks a rendezvous token.
func ValidateToken(token string) error {
	if !tokenRegex.MatchString(token) {
		return apperr.Validation("invalid token")
	}
	return nil
}

// ValidatePlatform checks a platform name.
func ValidatePlatform(platform string) error {
	if !platformRegex.MatchString(platform) {
		return apperr.Validation("invalid platform")
	}
	return nil
}

// ValidatePairingCode checks length and alphabet of a pairing code.
func ValidatePairingCode(code string) error {
	if !pairingCodeRegex.MatchString(code) {
		return apperr.Validation("invalid pairing code")
	}
	return nil
}

// ParseChunkID accepts only CIDv1 raw-codec sha2-256 identifiers in their
// canonical base32 form, so one chunk never maps to two storage keys.
func ParseChunkID(id string) (cid.Cid, error) {
	if len(id) == 0 || len(id) > 128 {
		return cid.Undef, apperr.Validation("invalid chunk id")
	}
	c, err := cid.Decode(id)
	if err != nil {
		return cid.Undef, apperr.Validationf(err, "invalid chunk id")
	}
	prefix := c.Prefix()
	if prefix.Version != 1 || prefix.Codec != cid.Raw || prefix.MhType != mh.SHA2_256 {
		return cid.Undef, apperr.Validation("invalid chunk id")
	}
	if c.String() != id {
		return cid.Undef, apperr.Validation("invalid chunk id")
	}
	return c, nil
}

// ChunkIDFor returns the chunk id of data.
func ChunkIDFor(data []byte) (cid.Cid, error) {
	return cid.V1Builder{Codec: cid.Raw, MhType: mh.SHA2_256}.Sum(data)
}
