package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"trackline/internal/domain"
)

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var perms string
	err := row.Scan(&u.ID, &u.Username, &u.Role, &perms, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if perms != "" {
		if err := json.Unmarshal([]byte(perms), &u.Permissions); err != nil {
			return u, fmt.Errorf("decode permissions for %s: %w", u.ID, err)
		}
	}
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO users(id,username,role,permissions_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Username, u.Role, string(perms), u.CreatedAt, u.UpdatedAt)
	return err
}

// EnsureUser inserts u when no user with its id exists yet.
func (r Repo) EnsureUser(ctx context.Context, u domain.User) (bool, error) {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,username,role,permissions_json,created_at,updated_at) VALUES (?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		u.ID, u.Username, u.Role, string(perms), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) UpdateUser(ctx context.Context, u domain.User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET username=?, role=?, permissions_json=?, updated_at=? WHERE id=?`,
		u.Username, u.Role, string(perms), u.UpdatedAt, u.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,username,role,permissions_json,created_at,updated_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,username,role,permissions_json,created_at,updated_at FROM users WHERE username=?`, username))
}

// ListUsers returns users ordered by username, optionally filtered by role.
func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	query := `SELECT id,username,role,permissions_json,created_at,updated_at FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY username`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r Repo) DeleteUser(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveActors maps each known id to its display fields. Unknown ids are
// left out of the result.
func (r Repo) ResolveActors(ctx context.Context, ids []string) (map[string]domain.ActorRef, error) {
	out := make(map[string]domain.ActorRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, username, role FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.ActorRef
		if err := rows.Scan(&a.ID, &a.Username, &a.Role); err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}
