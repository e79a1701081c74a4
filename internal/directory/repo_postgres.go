package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/rbac"
	"callrelay/pkg/utils"
)

const phoneConstraint = "users_phone_number_key"

// PostgresRepo stores records in the users table (see internal/database/migrations).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const selectRecord = `
SELECT identity, COALESCE(display_name, ''), COALESCE(phone_number, ''), role, available, created_at, updated_at
FROM users
`

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	var id string
	if err := row.Scan(
		&id,
		&rec.DisplayName,
		&rec.PhoneNumber,
		&rec.Role,
		&rec.Available,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, calls.ErrNotFound
		}
		return Record{}, err
	}
	rec.Identity = calls.Identity(id)
	return rec, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id calls.Identity) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, selectRecord+`WHERE identity = $1`, id.String()))
}

func (r *PostgresRepo) FindByPhone(ctx context.Context, phone string) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, selectRecord+`WHERE phone_number = $1`, phone))
}

func (r *PostgresRepo) SaveProfile(ctx context.Context, id calls.Identity, p Profile, role string, now time.Time) (Record, error) {
	var out Record
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the row so a concurrent role assignment is not overwritten.
		rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+`WHERE identity = $1 FOR UPDATE`, id.String()))
		switch {
		case errors.Is(err, calls.ErrNotFound):
			rec = Record{Identity: id, CreatedAt: now}
		case err != nil:
			return err
		}
		if rec.Role == "" || rec.Role == rbac.RoleGuest {
			rec.Role = role
		}
		rec.Profile = p
		rec.UpdatedAt = now

		const q = `
INSERT INTO users (identity, display_name, phone_number, role, available, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (identity) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	phone_number = EXCLUDED.phone_number,
	role = EXCLUDED.role,
	updated_at = EXCLUDED.updated_at
`
		if _, err := tx.ExecContext(ctx, q,
			id.String(),
			rec.DisplayName,
			rec.PhoneNumber,
			rec.Role,
			rec.Available,
			rec.CreatedAt,
			rec.UpdatedAt,
		); err != nil {
			if utils.IsUniqueViolation(err, phoneConstraint) {
				return calls.ErrPhoneNumberTaken
			}
			return fmt.Errorf("save profile: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

func (r *PostgresRepo) SetAvailable(ctx context.Context, id calls.Identity, available bool, now time.Time) error {
	const q = `
INSERT INTO users (identity, role, available, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (identity) DO UPDATE SET available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
`
	if _, err := r.db.ExecContext(ctx, q, id.String(), rbac.RoleGuest, available, now); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}
	return nil
}

func (r *PostgresRepo) SetRole(ctx context.Context, id calls.Identity, role string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET role = $2, updated_at = $3 WHERE identity = $1`, id.String(), role, now)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return calls.ErrNotFound
	}
	return nil
}
