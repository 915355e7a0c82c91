package storage

import (
	"errors"
	"fmt"
)

// MarkNonceConsumed journals a challenge nonce after its single verify attempt.
// nonceKey is a digest of the nonce, not the nonce itself.
func (s *Store) MarkNonceConsumed(nonceKey, deviceID string, consumedAt int64) error {
	if nonceKey == "" {
		return errors.New("nonce key is required")
	}
	if consumedAt == 0 {
		consumedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO consumed_nonces (nonce_hash, device_id, consumed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(nonce_hash) DO NOTHING`,
		nonceKey,
		deviceID,
		consumedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consumed nonce: %w", err)
	}

	return nil
}

// NonceConsumed reports whether a nonce digest has already been journaled.
func (s *Store) NonceConsumed(nonceKey string) (bool, error) {
	if nonceKey == "" {
		return false, errors.New("nonce key is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM consumed_nonces WHERE nonce_hash = ?)`,
		nonceKey,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check consumed nonce: %w", err)
	}

	return exists == 1, nil
}

// PruneConsumedNonces removes journal rows older than cutoff timestamp.
func (s *Store) PruneConsumedNonces(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM consumed_nonces WHERE consumed_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune consumed nonces: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for consumed nonce prune: %w", err)
	}

	return rowsAffected, nil
}
