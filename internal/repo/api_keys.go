package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"trackline/internal/domain"
)

const apiKeyColumns = `id, actor_id, name, key_hash, created_at, last_used_at`

// HashAPIKey returns the digest stored for a key secret. Surrounding
// whitespace is ignored.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	var name, lastUsed sql.NullString
	if err := row.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt, &lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	k.Name = name.String
	k.LastUsedAt = stringPtr(lastUsed)
	return k, nil
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	switch {
	case k.ID == "", k.ActorID == "", k.KeyHash == "", k.CreatedAt == "":
		return errors.New("api key needs id, actor, hash and creation time")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?,NULL)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash finds the key whose secret hashes to hash.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListAPIKeys returns the keys of one user, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records that the key authenticated a request at ts.
func (r Repo) TouchAPIKey(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, ts, id)
	return err
}

// DeleteAPIKey revokes a key owned by actorID.
func (r Repo) DeleteAPIKey(ctx context.Context, actorID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND actor_id=?`, id, actorID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}
