// Package client reads storefront state over the HTTP API. It serves as the
// snapshot loader of a remote synchronizer.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type StorefrontClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewStorefrontClient(baseURL string, logger *logrus.Logger) *StorefrontClient {
	return &StorefrontClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// get decodes the JSON body of a successful GET into out. A 404 maps to
// apperr.ErrNotFound.
func (c *StorefrontClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to storefront: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, apperr.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("storefront returned error status for %s: %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode storefront response: %w", err)
	}
	return nil
}

func (c *StorefrontClient) ListProducts(ctx context.Context) ([]models.Product, error) {
	var response struct {
		Success  bool             `json:"success"`
		Products []models.Product `json:"products"`
		Count    int              `json:"count"`
	}
	if err := c.get(ctx, "/products", &response); err != nil {
		return nil, err
	}
	c.logger.WithField("count", response.Count).Debug("Retrieved products from storefront")
	return response.Products, nil
}

func (c *StorefrontClient) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var response struct {
		Success bool            `json:"success"`
		Product *models.Product `json:"product"`
	}
	if err := c.get(ctx, "/products/"+url.PathEscape(id), &response); err != nil {
		return nil, err
	}
	if response.Product == nil {
		return nil, fmt.Errorf("product %s: %w", id, apperr.ErrNotFound)
	}
	return response.Product, nil
}

func (c *StorefrontClient) ListOrders(ctx context.Context) ([]models.Order, error) {
	var response struct {
		Success bool           `json:"success"`
		Orders  []models.Order `json:"orders"`
		Count   int            `json:"count"`
	}
	if err := c.get(ctx, "/orders", &response); err != nil {
		return nil, err
	}
	c.logger.WithField("count", response.Count).Debug("Retrieved orders from storefront")
	return response.Orders, nil
}

func (c *StorefrontClient) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var response models.OrderResponse
	if err := c.get(ctx, "/orders/"+url.PathEscape(id), &response); err != nil {
		return nil, err
	}
	if response.Order == nil {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return response.Order, nil
}

func (c *StorefrontClient) GetSettings(ctx context.Context) (*models.Settings, error) {
	var response struct {
		Success  bool             `json:"success"`
		Settings *models.Settings `json:"settings"`
	}
	if err := c.get(ctx, "/settings", &response); err != nil {
		return nil, err
	}
	if response.Settings == nil {
		settings := models.DefaultSettings()
		return &settings, nil
	}
	return response.Settings, nil
}
