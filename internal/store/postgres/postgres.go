// Package postgres is the relational store backend. Stock reservation is a
// single conditional UPDATE and row changes are streamed through NOTIFY
// triggers (see Listener).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	productColumns = `id, name, brand, category, price, stock, description, image,
		sizes, colors, is_featured, is_best_seller, created_at, updated_at, version`
	orderColumns = `id, product_id, product_name, price, customer_name, customer_phone,
		address, size, color, quantity, status, created_at, updated_at, version`
	settingsColumns = `business_name, admin_phone, admin_email, business_address, updated_at, version`
)

type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open connects to dsn, waits for the database to accept connections and
// applies the schema.
func Open(ctx context.Context, dsn string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			logger.Info("Database connection established")
			break
		}
		if attempt >= 30 {
			db.Close()
			return nil, fmt.Errorf("database not reachable: %w", err)
		}
		logger.WithField("attempt", attempt).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return New(db, logger), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(row scanner) (*models.Product, error) {
	var p models.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Brand, &p.Category, &p.Price, &p.Stock, &p.Description, &p.Image,
		pq.Array(&p.Sizes), pq.Array(&p.Colors), &p.IsFeatured, &p.IsBestSeller,
		&p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.ProductID, &o.ProductName, &o.Price, &o.CustomerName, &o.CustomerPhone,
		&o.Address, &o.Size, &o.Color, &o.Quantity, &o.Status,
		&o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	return p, notFound(err)
}

func (s *Store) InsertProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	query := `
		INSERT INTO products (id, name, brand, category, price, stock, description, image,
			sizes, colors, is_featured, is_best_seller)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + productColumns
	row := s.db.QueryRowContext(ctx, query,
		uuid.New().String(), p.Name, p.Brand, p.Category, p.Price, p.Stock, p.Description, p.Image,
		pq.Array(nonNil(p.Sizes)), pq.Array(nonNil(p.Colors)), p.IsFeatured, p.IsBestSeller,
	)
	return scanProduct(row)
}

func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	query := `
		UPDATE products SET name = $2, brand = $3, category = $4, price = $5, stock = $6,
			description = $7, image = $8, sizes = $9, colors = $10, is_featured = $11,
			is_best_seller = $12, updated_at = now(), version = version + 1
		WHERE id = $1 AND version = $13
		RETURNING ` + productColumns
	row := s.db.QueryRowContext(ctx, query,
		p.ID, p.Name, p.Brand, p.Category, p.Price, p.Stock, p.Description, p.Image,
		pq.Array(nonNil(p.Sizes)), pq.Array(nonNil(p.Colors)), p.IsFeatured, p.IsBestSeller,
		p.Version,
	)
	updated, err := scanProduct(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, s.missingOr(ctx, p.ID, store.ErrConflict)
}

func (s *Store) SetProductFlag(ctx context.Context, id string, flag store.ProductFlag, value bool) (*models.Product, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown product flag %q", flag)
	}
	// flag is one of two known column names.
	query := `
		UPDATE products SET ` + string(flag) + ` = $2, updated_at = now(), version = version + 1
		WHERE id = $1
		RETURNING ` + productColumns
	p, err := scanProduct(s.db.QueryRowContext(ctx, query, id, value))
	return p, notFound(err)
}

// missingOr tells a missing product from one whose update condition failed.
func (s *Store) missingOr(ctx context.Context, id string, conditionErr error) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return conditionErr
}

func (s *Store) DeleteProduct(ctx context.Context, id string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	query := `
		UPDATE products SET stock = stock - $2, updated_at = now(), version = version + 1
		WHERE id = $1 AND stock >= $2
		RETURNING ` + productColumns
	p, err := scanProduct(s.db.QueryRowContext(ctx, query, id, quantity))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return nil, s.missingOr(ctx, id, store.ErrInsufficientStock)
}

func (s *Store) IncrementStock(ctx context.Context, id string, quantity int) (*models.Product, error) {
	query := `
		UPDATE products SET stock = stock + $2, updated_at = now(), version = version + 1
		WHERE id = $1
		RETURNING ` + productColumns
	p, err := scanProduct(s.db.QueryRowContext(ctx, query, id, quantity))
	return p, notFound(err)
}

func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	return o, notFound(err)
}

func (s *Store) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	query := `
		INSERT INTO orders (id, product_id, product_name, price, customer_name, customer_phone,
			address, size, color, quantity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + orderColumns
	row := s.db.QueryRowContext(ctx, query,
		uuid.New().String(), o.ProductID, o.ProductName, o.Price, o.CustomerName, o.CustomerPhone,
		o.Address, o.Size, o.Color, o.Quantity, o.Status,
	)
	return scanOrder(row)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	query := `
		UPDATE orders SET status = $2, updated_at = now(), version = version + 1
		WHERE id = $1
		RETURNING ` + orderColumns
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, id, status))
	return o, notFound(err)
}

func (s *Store) DeleteOrder(ctx context.Context, id string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) GetSettings(ctx context.Context) (*models.Settings, error) {
	var settings models.Settings
	err := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM settings WHERE id = $1`, models.SettingsID).Scan(
		&settings.BusinessName, &settings.AdminPhone, &settings.AdminEmail,
		&settings.BusinessAddress, &settings.UpdatedAt, &settings.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := models.DefaultSettings()
		return &defaults, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Store) ReplaceSettings(ctx context.Context, in *models.Settings) (*models.Settings, error) {
	query := `
		INSERT INTO settings (id, business_name, admin_phone, admin_email, business_address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			business_name = EXCLUDED.business_name,
			admin_phone = EXCLUDED.admin_phone,
			admin_email = EXCLUDED.admin_email,
			business_address = EXCLUDED.business_address,
			updated_at = now(),
			version = settings.version + 1
		RETURNING ` + settingsColumns
	var saved models.Settings
	err := s.db.QueryRowContext(ctx, query,
		models.SettingsID, in.BusinessName, in.AdminPhone, in.AdminEmail, in.BusinessAddress,
	).Scan(
		&saved.BusinessName, &saved.AdminPhone, &saved.AdminEmail,
		&saved.BusinessAddress, &saved.UpdatedAt, &saved.Version,
	)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
