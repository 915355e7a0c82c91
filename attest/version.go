package attest

import (
	"regexp"

	"golang.org/x/mod/semver"

	"meshcoord/apperr"
)

// Only plain MAJOR.MINOR.PATCH is accepted. Pre-release and build suffixes,
// leading zeros and missing components are rejected rather than coerced.
var versionRegex = regexp.MustCompile(`^(0|[1-9][0-9]{0,5})\.(0|[1-9][0-9]{0,5})\.(0|[1-9][0-9]{0,5})$`)

// ParseVersion validates v and returns its canonical semver form ("v1.2.3").
func ParseVersion(v string) (string, error) {
	if !versionRegex.MatchString(v) {
		return "", apperr.Validation("invalid version")
	}
	canonical := "v" + v
	if !semver.IsValid(canonical) {
		return "", apperr.Validation("invalid version")
	}
	return canonical, nil
}

// VersionAtLeast reports whether v >= minimum. Both must be valid.
func VersionAtLeast(v, minimum string) (bool, error) {
	cv, err := ParseVersion(v)
	if err != nil {
		return false, err
	}
	cm, err := ParseVersion(minimum)
	if err != nil {
		return false, err
	}
	return semver.Compare(cv, cm) >= 0, nil
}
