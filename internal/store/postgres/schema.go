package postgres

import (
	"context"
	"database/sql"
)

// NotifyChannel is the LISTEN/NOTIFY channel the change triggers publish on.
// Payloads carry only table, operation, id and version; NOTIFY rejects
// payloads of 8000 bytes or more, so rows are read back by the Listener.
const NotifyChannel = "storefront_changes"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		category VARCHAR(32) NOT NULL,
		price BIGINT NOT NULL CHECK (price >= 0),
		stock INTEGER NOT NULL CHECK (stock >= 0),
		description TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		sizes TEXT[] NOT NULL DEFAULT '{}',
		colors TEXT[] NOT NULL DEFAULT '{}',
		is_featured BOOLEAN NOT NULL DEFAULT FALSE,
		is_best_seller BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		product_name TEXT NOT NULL,
		price BIGINT NOT NULL,
		customer_name TEXT NOT NULL,
		customer_phone VARCHAR(32) NOT NULL,
		address TEXT NOT NULL,
		size VARCHAR(32) NOT NULL DEFAULT '',
		color VARCHAR(64) NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		id VARCHAR(16) PRIMARY KEY,
		business_name TEXT NOT NULL,
		admin_phone TEXT NOT NULL DEFAULT '',
		admin_email TEXT NOT NULL DEFAULT '',
		business_address TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_customer_phone ON orders(customer_phone)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC)`,
	`CREATE OR REPLACE FUNCTION storefront_notify_change() RETURNS trigger AS $$
	DECLARE
		rec RECORD;
	BEGIN
		IF TG_OP = 'DELETE' THEN
			rec := OLD;
		ELSE
			rec := NEW;
		END IF;
		PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
			'table', TG_TABLE_NAME,
			'type', TG_OP,
			'id', rec.id,
			'version', rec.version
		)::text);
		RETURN rec;
	END;
	$$ LANGUAGE plpgsql`,
}

var watchedTables = []string{"products", "orders", "settings"}

// Migrate creates tables and change triggers if they don't exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	queries := append([]string(nil), schema...)
	for _, table := range watchedTables {
		queries = append(queries,
			`DROP TRIGGER IF EXISTS `+table+`_notify_change ON `+table,
			`CREATE TRIGGER `+table+`_notify_change AFTER INSERT OR UPDATE OR DELETE ON `+table+
				` FOR EACH ROW EXECUTE FUNCTION storefront_notify_change()`,
		)
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}
