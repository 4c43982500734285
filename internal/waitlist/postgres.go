package waitlist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS waitlist_entries (
	id            BIGSERIAL PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	referral_code TEXT NOT NULL UNIQUE,
	referred_by   TEXT,
	anonymous_id  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS waitlist_entries_referred_by ON waitlist_entries (referred_by);
`

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Join(ctx context.Context, e Entry) (Result, error) {
	email := NormalizeEmail(e.Email)

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx)

	var (
		id   int64
		code string
		res  Result
	)
	err = tx.QueryRow(ctx, `
		SELECT id, referral_code FROM waitlist_entries
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&id, &code)

	switch {
	case err == nil:
		if _, err := tx.Exec(ctx, `
			UPDATE waitlist_entries
			SET name = COALESCE(NULLIF($2, ''), name), updated_at = NOW()
			WHERE id = $1
		`, id, e.Name); err != nil {
			return Result{}, err
		}
		res.Existing = true

	case errors.Is(err, pgx.ErrNoRows):
		var referredBy *string
		if e.ReferredBy != "" {
			var refCode string
			err := tx.QueryRow(ctx, `
				SELECT referral_code FROM waitlist_entries
				WHERE referral_code = $1 AND email <> $2
			`, e.ReferredBy, email).Scan(&refCode)
			if err == nil {
				referredBy = &refCode
			} else if !errors.Is(err, pgx.ErrNoRows) {
				return Result{}, err
			}
		}

		code = newCode()
		if err := tx.QueryRow(ctx, `
			INSERT INTO waitlist_entries (email, name, referral_code, referred_by, anonymous_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, email, e.Name, code, referredBy, e.AnonymousID).Scan(&id); err != nil {
			return Result{}, err
		}

	default:
		return Result{}, err
	}

	res.ReferralCode = code
	if err := tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM waitlist_entries WHERE id <= $1),
			(SELECT COUNT(*) FROM waitlist_entries)
	`, id).Scan(&res.Position, &res.Total); err != nil {
		return Result{}, err
	}

	return res, tx.Commit(ctx)
}

func (p *Postgres) Stats(ctx context.Context, code string) (Stats, error) {
	st := Stats{Code: code}
	err := p.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM waitlist_entries WHERE referred_by = e.referral_code),
			(SELECT COUNT(*) FROM waitlist_entries WHERE id <= e.id),
			(SELECT COUNT(*) FROM waitlist_entries)
		FROM waitlist_entries e
		WHERE e.referral_code = $1
	`, code).Scan(&st.Referrals, &st.Position, &st.Total)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stats{}, ErrUnknownCode
	}
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}
