package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/carlosnetto/ybank.me-wallet/internal/config"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrChargeNotPayable is returned when a charge cannot transition to paid.
var ErrChargeNotPayable = errors.New("charge is not payable")

// Store persists charges, observed transfers and settings in Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to the database and configures the connection pool.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

// RunMigrations applies the embedded schema migrations.
func (s *Store) RunMigrations(dbName string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create database driver: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("could not create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, dbName, driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run up migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ChargeRecord is a payment request row.
type ChargeRecord struct {
	ID         string
	Recipient  string
	Amount     string
	Status     string
	PaymentURI string
	TxHash     sql.NullString
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CreateCharge inserts a new pending charge.
func (s *Store) CreateCharge(ctx context.Context, rec ChargeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charges (id, recipient, amount, status, payment_uri, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.Recipient, rec.Amount, rec.Status, rec.PaymentURI, rec.CreatedAt, rec.ExpiresAt)
	return err
}

// GetCharge retrieves a charge by id.
func (s *Store) GetCharge(ctx context.Context, id string) (*ChargeRecord, error) {
	var rec ChargeRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipient, amount, status, payment_uri, tx_hash, created_at, expires_at
		FROM charges WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Recipient, &rec.Amount, &rec.Status, &rec.PaymentURI, &rec.TxHash, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkChargePaid records the settling transaction. Only pending charges can
// transition to paid.
func (s *Store) MarkChargePaid(ctx context.Context, id, txHash string) (*ChargeRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE charges SET status = 'paid', tx_hash = $2
		WHERE id = $1 AND status = 'pending'
	`, id, txHash)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetCharge(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrChargeNotPayable
	}

	return s.GetCharge(ctx, id)
}

// SaveTransfer caches one observed transfer for an account.
func (s *Store) SaveTransfer(ctx context.Context, account string, tx models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (tx_hash, log_index, account, direction, amount, counterparty, block_number, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash, log_index, account) DO NOTHING
	`, tx.TxHash, tx.LogIndex, account, string(tx.Direction), tx.Amount, tx.Counterparty, tx.BlockNumber, tx.Timestamp)
	return err
}

// ListTransfers returns the cached transfers for an account, newest first.
func (s *Store) ListTransfers(ctx context.Context, account string, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, log_index, direction, amount, counterparty, block_number, timestamp
		FROM transfers
		WHERE account = $1
		ORDER BY timestamp DESC, block_number DESC, log_index DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var direction string
		if err := rows.Scan(&tx.TxHash, &tx.LogIndex, &direction, &tx.Amount, &tx.Counterparty, &tx.BlockNumber, &tx.Timestamp); err != nil {
			return nil, err
		}
		tx.Direction = models.Direction(direction)
		tx.Status = "confirmed"
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SetSetting upserts one key/value setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

// GetSetting reads one setting.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}
