// sqlstore.go - Store over database/sql for Postgres (pgx) and SQLite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Dialect carries the few differences between the SQL backends.
type Dialect struct {
	Name          string
	Driver        string
	TimestampType string
	// Positional placeholders ($1, $2, ...) instead of "?"
	Numbered bool
}

var (
	DialectPostgres = Dialect{Name: "postgres", Driver: "pgx", TimestampType: "timestamptz", Numbered: true}
	DialectSQLite   = Dialect{Name: "sqlite", Driver: "sqlite3", TimestampType: "timestamp"}
)

// SQLStore implements Store on a relational database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens and pings the database. SQLite is limited to one open
// connection so that transactions serialize instead of failing with SQLITE_BUSY.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires DATABASE_URL", dialect.Name)
	}
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Str("driver", dialect.Name).Msg("✅ Connected to SQL store")
	return &SQLStore{db: db, dialect: dialect}, nil
}

// rebind turns "?" placeholders into the dialect's form.
func (s *SQLStore) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

func (s *SQLStore) schema() []string {
	ts := s.dialect.TimestampType
	return []string{
		`create table if not exists accounts (
  account_ref text primary key,
  email       text not null default '',
  credits     integer not null default 0 check (credits >= 0),
  created_at  ` + ts + ` not null,
  updated_at  ` + ts + ` not null
)`,
		`create table if not exists conversions (
  id              text primary key,
  account_ref     text null,
  mode            text not null,
  type            text not null,
  content_kind    text not null,
  normalized_text text not null,
  translated_text text not null default '',
  target_language text not null default '',
  credits_charged integer not null default 0,
  created_at      ` + ts + ` not null
)`,
		`create index if not exists idx_conversions_account on conversions (account_ref, created_at)`,
		`create table if not exists credit_grants (
  id             text primary key,
  account_ref    text not null,
  kind           text not null,
  amount         integer not null,
  provenance_key text not null unique,
  package        text not null default '',
  amount_paid    bigint not null default 0,
  reference      text not null default '',
  created_at     ` + ts + ` not null
)`,
		`create index if not exists idx_credit_grants_account on credit_grants (account_ref, kind)`,
		`create table if not exists coupons (
  code         text primary key,
  credit_value integer not null,
  expires_at   ` + ts + ` null,
  created_at   ` + ts + ` not null
)`,
	}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLStore) GetAccount(ctx context.Context, ref string) (*Account, error) {
	const q = `select account_ref, email, credits, created_at, updated_at from accounts where account_ref = ?`
	var acc Account
	err := s.db.QueryRowContext(ctx, s.rebind(q), ref).
		Scan(&acc.Ref, &acc.Email, &acc.Credits, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, acc *Account) (bool, error) {
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	const q = `insert into accounts (account_ref, email, credits, created_at, updated_at)
values (?, ?, ?, ?, ?)
on conflict (account_ref) do nothing`
	res, err := s.db.ExecContext(ctx, s.rebind(q), acc.Ref, acc.Email, acc.Credits, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}
	return n == 1, nil
}

// DeductAndRecord relies on the conditional update: the row is only touched
// when the balance covers amount, and the row lock serializes concurrent callers.
func (s *SQLStore) DeductAndRecord(ctx context.Context, ref string, amount int, entry *HistoryEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	const deduct = `update accounts set credits = credits - ?, updated_at = ? where account_ref = ? and credits >= ?`
	res, err := tx.ExecContext(ctx, s.rebind(deduct), amount, now, ref, amount)
	if err != nil {
		return 0, fmt.Errorf("deduct: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deduct: %w", err)
	}
	if n == 0 {
		var credits int
		err := tx.QueryRowContext(ctx, s.rebind(`select credits from accounts where account_ref = ?`), ref).Scan(&credits)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("deduct: %w", err)
		}
		return credits, ErrInsufficientCredits
	}

	entry.AccountRef = ref
	entry.CreditsCharged = amount
	if err := s.insertHistory(ctx, tx, entry); err != nil {
		return 0, err
	}

	var balance int
	if err := tx.QueryRowContext(ctx, s.rebind(`select credits from accounts where account_ref = ?`), ref).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return balance, nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) insertHistory(ctx context.Context, tx *sql.Tx, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const q = `insert into conversions (
  id, account_ref, mode, type, content_kind, normalized_text,
  translated_text, target_language, credits_charged, created_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, s.rebind(q),
		entry.ID, nullString(entry.AccountRef), entry.Mode, entry.Type, entry.ContentKind, entry.NormalizedText,
		entry.TranslatedText, entry.TargetLanguage, entry.CreditsCharged, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *SQLStore) ListHistory(ctx context.Context, ref string, offset, limit int) ([]HistoryEntry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`select count(*) from conversions where account_ref = ?`), ref).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	const q = `select id, coalesce(account_ref, ''), mode, type, content_kind, normalized_text,
       translated_text, target_language, credits_charged, created_at
from conversions
where account_ref = ?
order by created_at desc, id desc
limit ? offset ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), ref, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.AccountRef, &e.Mode, &e.Type, &e.ContentKind, &e.NormalizedText,
			&e.TranslatedText, &e.TargetLanguage, &e.CreditsCharged, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	return entries, total, nil
}

// ApplyGrant inserts the grant row before touching the balance; the unique
// provenance_key turns a replayed grant into a no-op.
func (s *SQLStore) ApplyGrant(ctx context.Context, grant *CreditGrant) (bool, int, error) {
	if grant.ProvenanceKey == "" {
		return false, 0, fmt.Errorf("grant requires a provenance key")
	}
	if grant.Amount <= 0 {
		return false, 0, fmt.Errorf("grant amount must be positive, got %d", grant.Amount)
	}
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var balance int
	err = tx.QueryRowContext(ctx, s.rebind(`select credits from accounts where account_ref = ?`), grant.AccountRef).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("apply grant: %w", err)
	}

	const insert = `insert into credit_grants (
  id, account_ref, kind, amount, provenance_key, package, amount_paid, reference, created_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict (provenance_key) do nothing`
	res, err := tx.ExecContext(ctx, s.rebind(insert),
		grant.ID, grant.AccountRef, grant.Kind, grant.Amount, grant.ProvenanceKey,
		grant.Package, grant.AmountPaid, grant.Reference, grant.CreatedAt)
	if err != nil {
		return false, 0, fmt.Errorf("insert grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("insert grant: %w", err)
	}
	if n == 0 {
		return false, balance, nil
	}

	const credit = `update accounts set credits = credits + ?, updated_at = ? where account_ref = ?`
	if _, err := tx.ExecContext(ctx, s.rebind(credit), grant.Amount, grant.CreatedAt, grant.AccountRef); err != nil {
		return false, 0, fmt.Errorf("credit account: %w", err)
	}
	if err := tx.QueryRowContext(ctx, s.rebind(`select credits from accounts where account_ref = ?`), grant.AccountRef).Scan(&balance); err != nil {
		return false, 0, fmt.Errorf("read balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit: %w", err)
	}
	return true, balance, nil
}

func (s *SQLStore) ListGrants(ctx context.Context, ref, kind string) ([]CreditGrant, error) {
	q := `select id, account_ref, kind, amount, provenance_key, package, amount_paid, reference, created_at
from credit_grants
where account_ref = ?`
	args := []any{ref}
	if kind != "" {
		q += ` and kind = ?`
		args = append(args, kind)
	}
	q += ` order by created_at desc`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []CreditGrant
	for rows.Next() {
		var g CreditGrant
		if err := rows.Scan(&g.ID, &g.AccountRef, &g.Kind, &g.Amount, &g.ProvenanceKey,
			&g.Package, &g.AmountPaid, &g.Reference, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

func (s *SQLStore) GetCoupon(ctx context.Context, code string) (*Coupon, error) {
	const q = `select code, credit_value, expires_at, created_at from coupons where code = ?`
	var (
		c       Coupon
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(q), NormalizeCouponCode(code)).
		Scan(&c.Code, &c.CreditValue, &expires, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		c.ExpiresAt = &t
	}
	return &c, nil
}

func (s *SQLStore) UpsertCoupon(ctx context.Context, coupon *Coupon) error {
	coupon.Code = NormalizeCouponCode(coupon.Code)
	if coupon.Code == "" {
		return fmt.Errorf("coupon code is required")
	}
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}
	var expires sql.NullTime
	if coupon.ExpiresAt != nil {
		expires = sql.NullTime{Time: coupon.ExpiresAt.UTC(), Valid: true}
	}

	const q = `insert into coupons (code, credit_value, expires_at, created_at)
values (?, ?, ?, ?)
on conflict (code) do update
set credit_value = excluded.credit_value,
    expires_at = excluded.expires_at`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), coupon.Code, coupon.CreditValue, expires, coupon.CreatedAt); err != nil {
		return fmt.Errorf("upsert coupon: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
