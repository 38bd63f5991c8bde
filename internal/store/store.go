package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrKeyAlreadyRedeemed is returned by Tx.RegisterRedemption when the license
// key exists in the global registry, regardless of which account owns it.
var ErrKeyAlreadyRedeemed = errors.New("license key already redeemed")

// Store persists account documents and the global redemption registry in
// SQLite. Every mutation runs as a per-account read-modify-write transaction:
// a keyed mutex serializes writers for the same account, and the single
// database connection serializes the cross-account registry.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the license database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "licenses.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		email      TEXT PRIMARY KEY,
		doc        TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS redemptions (
		license_key   TEXT PRIMARY KEY,
		account_email TEXT NOT NULL,
		redeemed_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_redemptions_account ON redemptions(account_email);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init license store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// accountLock returns the mutex serializing writers for one account key.
func (s *Store) accountLock(email string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[email]
	if !ok {
		l = &sync.Mutex{}
		s.locks[email] = l
	}
	return l
}

// GetAccount retrieves an account by email. Returns nil if the account does
// not exist.
func (s *Store) GetAccount(email string) (*Account, error) {
	email = NormalizeEmail(email)
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM accounts WHERE email = ?`, email).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return decodeAccount(email, doc)
}

// Tx exposes registry operations that must commit atomically with the account
// document update in progress.
type Tx struct {
	tx *sql.Tx
}

// RegisterRedemption inserts a key into the global redemption registry,
// failing with ErrKeyAlreadyRedeemed if any account has consumed it before.
func (t *Tx) RegisterRedemption(licenseKey, accountEmail string, redeemedAt time.Time) error {
	var existing string
	err := t.tx.QueryRow(`SELECT account_email FROM redemptions WHERE license_key = ?`, licenseKey).Scan(&existing)
	switch {
	case err == nil:
		return ErrKeyAlreadyRedeemed
	case err != sql.ErrNoRows:
		return fmt.Errorf("check redemption registry: %w", err)
	}
	if _, err := t.tx.Exec(
		`INSERT INTO redemptions (license_key, account_email, redeemed_at) VALUES (?, ?, ?)`,
		licenseKey, accountEmail, redeemedAt.Unix(),
	); err != nil {
		return fmt.Errorf("register redemption: %w", err)
	}
	return nil
}

// UpdateAccount runs fn inside a read-modify-write transaction scoped to one
// account. The account is created empty if it does not exist yet. If fn
// returns an error the transaction rolls back and no state changes.
func (s *Store) UpdateAccount(email string, fn func(acc *Account, tx *Tx) error) error {
	email = NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("account email is empty")
	}

	lock := s.accountLock(email)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin account tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acc := NewAccount(email)
	var doc string
	err = tx.QueryRow(`SELECT doc FROM accounts WHERE email = ?`, email).Scan(&doc)
	switch {
	case err == nil:
		if acc, err = decodeAccount(email, doc); err != nil {
			return err
		}
	case err != sql.ErrNoRows:
		return fmt.Errorf("load account: %w", err)
	}

	if err := fn(acc, &Tx{tx: tx}); err != nil {
		return err
	}

	acc.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO accounts (email, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		email, string(encoded), acc.UpdatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account tx: %w", err)
	}
	return nil
}

// LookupRedemption returns the global registry entry for a normalized license
// key, or nil when the key has never been redeemed.
func (s *Store) LookupRedemption(licenseKey string) (*Redemption, error) {
	var r Redemption
	var redeemedAt int64
	err := s.db.QueryRow(
		`SELECT license_key, account_email, redeemed_at FROM redemptions WHERE license_key = ?`,
		licenseKey,
	).Scan(&r.LicenseKey, &r.AccountEmail, &redeemedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup redemption: %w", err)
	}
	r.RedeemedAt = time.Unix(redeemedAt, 0).UTC()
	return &r, nil
}

// ListAccounts returns all account documents (debug/administrative use).
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT email, doc FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var email, doc string
		if err := rows.Scan(&email, &doc); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acc, err := decodeAccount(email, doc)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ListRedemptions returns the entire global redemption registry.
func (s *Store) ListRedemptions() ([]*Redemption, error) {
	rows, err := s.db.Query(`SELECT license_key, account_email, redeemed_at FROM redemptions ORDER BY license_key`)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()

	var redemptions []*Redemption
	for rows.Next() {
		var r Redemption
		var redeemedAt int64
		if err := rows.Scan(&r.LicenseKey, &r.AccountEmail, &redeemedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		r.RedeemedAt = time.Unix(redeemedAt, 0).UTC()
		redemptions = append(redemptions, &r)
	}
	return redemptions, rows.Err()
}

func decodeAccount(email, doc string) (*Account, error) {
	var acc Account
	if err := json.Unmarshal([]byte(doc), &acc); err != nil {
		return nil, fmt.Errorf("decode account %q: %w", email, err)
	}
	acc.Email = email
	acc.normalize()
	return &acc, nil
}
