// Package postgres is the PostgreSQL implementation of the local ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"stripesync/internal/ledger"
	"stripesync/internal/logger"
	"stripesync/pkg/models"
)

// Store implements ledger.Ledger on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ ledger.Ledger = (*Store)(nil)

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	const op = "Open"

	if databaseURL == "" {
		return nil, fmt.Errorf("%s: DATABASE_URL is required", op)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create pool: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: failed to reach database: %w", op, err)
	}

	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		log:  logger.WithComponent("ledger"),
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Store) Customer(ctx context.Context, id string) (*models.LocalCustomer, error) {
	var c models.LocalCustomer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, tax_id, email, vat_regime FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.TaxID, &c.Email, &c.VATRegime)
	if err != nil {
		return nil, notFound(err, "customer "+id)
	}
	return &c, nil
}

func (s *Store) Product(ctx context.Context, id string) (*models.LocalProduct, error) {
	var p models.LocalProduct
	err := s.pool.QueryRow(ctx,
		`SELECT id, reference, description, tax_code FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Reference, &p.Description, &p.TaxCode)
	if err != nil {
		return nil, notFound(err, "product "+id)
	}
	return &p, nil
}

func (s *Store) TaxProfile(ctx context.Context, productID string) (*models.TaxProfile, error) {
	var t models.TaxProfile
	err := s.pool.QueryRow(ctx,
		`SELECT t.code, t.vat_rate::text, t.surcharge_rate::text
		 FROM products p JOIN taxes t ON t.code = p.tax_code
		 WHERE p.id = $1`, productID,
	).Scan(&t.Code, &t.VATRate, &t.SurchargeRate)
	if err != nil {
		return nil, notFound(err, "tax profile of "+productID)
	}
	return &t, nil
}

func (s *Store) ProductCorrelation(ctx context.Context, accountIndex int, productRef string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT product_id FROM product_correlations WHERE account_index = $1 AND external_ref = $2`,
		accountIndex, productRef,
	).Scan(&id)
	if err != nil {
		return "", notFound(err, fmt.Sprintf("correlation %d/%s", accountIndex, productRef))
	}
	return id, nil
}

// SetProductCorrelation maps an external product reference to a local product.
func (s *Store) SetProductCorrelation(ctx context.Context, accountIndex int, productRef, productID string) error {
	const op = "SetProductCorrelation"

	if _, err := s.Product(ctx, productID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO product_correlations (account_index, external_ref, product_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (account_index, external_ref) DO UPDATE SET product_id = EXCLUDED.product_id`,
		accountIndex, productRef, productID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info().
		Int("account_index", accountIndex).
		Str("external_ref", productRef).
		Str("product_id", productID).
		Msg("Product correlation saved")
	return nil
}

// Begin opens a read-committed transaction.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("Begin: %w", err)
	}
	return &tx{tx: pgxTx, log: s.log}, nil
}
