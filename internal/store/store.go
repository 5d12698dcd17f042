// Package store defines the persistent store contract the storefront core
// depends on. Backends live in the memory, postgres and dynamo subpackages.
package store

import (
	"context"
	"errors"

	"github.com/jogardn/storefront/pkg/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConflict means the record changed since the caller read it.
	ErrConflict = errors.New("record changed concurrently")
)

// ProductFlag names a boolean merchandising flag on a product. The value
// doubles as the column and attribute name in every backend.
type ProductFlag string

const (
	FlagFeatured   ProductFlag = "is_featured"
	FlagBestSeller ProductFlag = "is_best_seller"
)

func (f ProductFlag) Valid() bool {
	return f == FlagFeatured || f == FlagBestSeller
}

type ProductStore interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	// InsertProduct ignores p.ID and returns the record with its generated id.
	InsertProduct(ctx context.Context, p *models.Product) (*models.Product, error)
	// UpdateProduct writes every editable field, stock included, only while
	// the stored version still equals p.Version. Otherwise it returns
	// ErrConflict and changes nothing.
	UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error)
	// SetProductFlag writes a single flag and leaves every other field,
	// stock in particular, as it is.
	SetProductFlag(ctx context.Context, id string, flag ProductFlag, value bool) (*models.Product, error)
	// DeleteProduct reports the number of rows removed; zero means the
	// delete was silently blocked or the row was already gone.
	DeleteProduct(ctx context.Context, id string) (int64, error)
	// DecrementStock is a single conditional update: it succeeds only while
	// stock >= quantity and returns the updated record. Otherwise it returns
	// ErrInsufficientStock and leaves stock unchanged.
	DecrementStock(ctx context.Context, id string, quantity int) (*models.Product, error)
	IncrementStock(ctx context.Context, id string, quantity int) (*models.Product, error)
}

type OrderStore interface {
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// InsertOrder ignores o.ID and returns the record with its generated id.
	InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error)
	DeleteOrder(ctx context.Context, id string) (int64, error)
}

type SettingsStore interface {
	// GetSettings returns models.DefaultSettings when nothing was saved yet.
	GetSettings(ctx context.Context) (*models.Settings, error)
	ReplaceSettings(ctx context.Context, s *models.Settings) (*models.Settings, error)
}

type Store interface {
	ProductStore
	OrderStore
	SettingsStore
	Ping(ctx context.Context) error
	Close() error
}

// Publisher receives change events produced by a backend.
type Publisher interface {
	Publish(event models.ChangeEvent)
}
