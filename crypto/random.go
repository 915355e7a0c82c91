package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"meshcoord/models"
)

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PairingCode returns a fresh pairing code over models.PairingAlphabet.
func PairingCode() (string, error) {
	const alphabet = models.PairingAlphabet
	buf := make([]byte, models.PairingCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	// len(alphabet) is 32, so masking the low five bits is unbiased.
	for i := range buf {
		buf[i] = alphabet[buf[i]&31]
	}
	return string(buf), nil
}

// RandomInt returns a uniform value in [0, n).
func RandomInt(n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("random bound must be positive")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random int: %w", err)
	}
	return int(v.Int64()), nil
}

// SelectRegions picks between minCount and maxCount distinct indices from
// [0, n), both bounds clamped to n. The result is in selection order.
func SelectRegions(n, minCount, maxCount int) ([]int, error) {
	if n <= 0 {
		return nil, errors.New("no regions to select from")
	}
	minCount = max(1, min(minCount, n))
	maxCount = max(minCount, min(maxCount, n))

	extra, err := RandomInt(maxCount - minCount + 1)
	if err != nil {
		return nil, err
	}
	k := minCount + extra

	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < k; i++ {
		j, err := RandomInt(n - i)
		if err != nil {
			return nil, err
		}
		pool[i], pool[i+j] = pool[i+j], pool[i]
	}
	return pool[:k], nil
}

// Shuffle permutes s in place using crypto/rand.
func Shuffle[T any](s []T) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := RandomInt(i + 1)
		if err != nil {
			return err
		}
		s[i], s[j] = s[j], s[i]
	}
	return nil
}
