// Package catalog implements the admin operations on products and the
// settings record. Edits show up in the local view before the store
// confirms them and are reverted when it refuses.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/internal/store"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

type Mirror interface {
	ApplyOptimistic(m synchronizer.Mutation) (synchronizer.Token, error)
	Confirm(token synchronizer.Token, result synchronizer.Mutation) error
	Rollback(token synchronizer.Token) error
	Refresh(ctx context.Context, table models.Table, id string) error
}

type Service struct {
	products store.ProductStore
	settings store.SettingsStore
	guard    *store.Guard
	mirror   Mirror
	logger   *logrus.Logger
}

func NewService(products store.ProductStore, settings store.SettingsStore, guard *store.Guard, mirror Mirror, logger *logrus.Logger) *Service {
	return &Service{
		products: products,
		settings: settings,
		guard:    guard,
		mirror:   mirror,
		logger:   logger,
	}
}

func (s *Service) CreateProduct(ctx context.Context, req models.ProductRequest) (*models.Product, error) {
	p, err := productFromRequest(req)
	if err != nil {
		return nil, err
	}

	var created *models.Product
	err = s.guard.Do(ctx, "insert product", func(ctx context.Context) error {
		var err error
		created, err = s.products.InsertProduct(ctx, &p)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.confirm(0, synchronizer.ProductMutation(models.ChangeInsert, *created))
	s.logger.WithFields(logrus.Fields{
		"product_id": created.ID,
		"name":       created.Name,
	}).Info("Product created")
	return created, nil
}

// UpdateProduct replaces the editable fields of a product. Orders keep the
// name and price they were placed with.
func (s *Service) UpdateProduct(ctx context.Context, id string, req models.ProductRequest) (*models.Product, error) {
	p, err := productFromRequest(req)
	if err != nil {
		return nil, err
	}
	p.ID = id

	current, err := s.getProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = current.CreatedAt
	p.Version = current.Version

	return s.saveProduct(ctx, &p)
}

func (s *Service) ToggleFeatured(ctx context.Context, id string) (*models.Product, error) {
	return s.toggle(ctx, id, store.FlagFeatured)
}

func (s *Service) ToggleBestSeller(ctx context.Context, id string) (*models.Product, error) {
	return s.toggle(ctx, id, store.FlagBestSeller)
}

// toggle flips one flag with a flag-only write, so a reservation that lands
// between the read and the write keeps its stock deduction.
func (s *Service) toggle(ctx context.Context, id string, flag store.ProductFlag) (*models.Product, error) {
	current, err := s.getProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	value := !flagValue(next, flag)
	if flag == store.FlagFeatured {
		next.IsFeatured = value
	} else {
		next.IsBestSeller = value
	}
	token := s.optimistic(synchronizer.ProductMutation(models.ChangeUpdate, next))

	var updated *models.Product
	err = s.guard.Do(ctx, "set product flag", func(ctx context.Context) error {
		var err error
		updated, err = s.products.SetProductFlag(ctx, id, flag, value)
		return err
	})
	if err != nil {
		s.revert(ctx, token, models.TableProducts, id, err)
		return nil, err
	}

	s.confirm(token, synchronizer.ProductMutation(models.ChangeUpdate, *updated))
	s.logger.WithFields(logrus.Fields{
		"product_id": updated.ID,
		"flag":       flag,
		"value":      value,
	}).Info("Product flag toggled")
	return updated, nil
}

func flagValue(p models.Product, flag store.ProductFlag) bool {
	if flag == store.FlagFeatured {
		return p.IsFeatured
	}
	return p.IsBestSeller
}

// DeleteProduct removes a product. A delete that affects no rows is
// reported as not found.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return apperr.Validation("product_id", "is required")
	}

	token := s.optimistic(synchronizer.DeleteMutation(models.TableProducts, id))

	var affected int64
	err := s.guard.Do(ctx, "delete product", func(ctx context.Context) error {
		var err error
		affected, err = s.products.DeleteProduct(ctx, id)
		return err
	})
	if err == nil && affected == 0 {
		err = fmt.Errorf("delete product %s: no rows affected: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		s.revert(ctx, token, models.TableProducts, id, err)
		return err
	}

	s.confirm(token, synchronizer.DeleteMutation(models.TableProducts, id))
	s.logger.WithField("product_id", id).Info("Product deleted")
	return nil
}

// UpdateSettings replaces the settings record as a whole.
func (s *Service) UpdateSettings(ctx context.Context, in models.Settings) (*models.Settings, error) {
	in.BusinessName = strings.TrimSpace(in.BusinessName)
	in.AdminPhone = strings.TrimSpace(in.AdminPhone)
	in.AdminEmail = strings.TrimSpace(in.AdminEmail)
	in.BusinessAddress = strings.TrimSpace(in.BusinessAddress)
	if in.BusinessName == "" {
		return nil, apperr.Validation("business_name", "is required")
	}

	token := s.optimistic(synchronizer.SettingsMutation(in))

	var saved *models.Settings
	err := s.guard.Do(ctx, "replace settings", func(ctx context.Context) error {
		var err error
		saved, err = s.settings.ReplaceSettings(ctx, &in)
		return err
	})
	if err != nil {
		s.revert(ctx, token, models.TableSettings, models.SettingsID, err)
		return nil, err
	}

	s.confirm(token, synchronizer.SettingsMutation(*saved))
	s.logger.WithField("business_name", saved.BusinessName).Info("Settings updated")
	return saved, nil
}

func (s *Service) getProduct(ctx context.Context, id string) (*models.Product, error) {
	if id == "" {
		return nil, apperr.Validation("product_id", "is required")
	}
	var p *models.Product
	err := s.guard.Do(ctx, "get product", func(ctx context.Context) error {
		var err error
		p, err = s.products.GetProduct(ctx, id)
		return err
	})
	return p, err
}

func (s *Service) saveProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	token := s.optimistic(synchronizer.ProductMutation(models.ChangeUpdate, p.Clone()))

	var updated *models.Product
	err := s.guard.Do(ctx, "update product", func(ctx context.Context) error {
		var err error
		updated, err = s.products.UpdateProduct(ctx, p)
		return err
	})
	if err != nil {
		s.revert(ctx, token, models.TableProducts, p.ID, err)
		return nil, err
	}

	s.confirm(token, synchronizer.ProductMutation(models.ChangeUpdate, *updated))
	s.logger.WithFields(logrus.Fields{
		"product_id":     updated.ID,
		"is_featured":    updated.IsFeatured,
		"is_best_seller": updated.IsBestSeller,
	}).Info("Product updated")
	return updated, nil
}

func (s *Service) optimistic(m synchronizer.Mutation) synchronizer.Token {
	token, err := s.mirror.ApplyOptimistic(m)
	if err != nil {
		s.logger.WithError(err).WithField("record_id", m.ID).Debug("Skipping optimistic update")
		return 0
	}
	return token
}

func (s *Service) confirm(token synchronizer.Token, result synchronizer.Mutation) {
	if err := s.mirror.Confirm(token, result); err != nil && !errors.Is(err, synchronizer.ErrLoading) {
		s.logger.WithError(err).WithField("record_id", result.ID).Warn("Failed to confirm change locally")
	}
}

func (s *Service) revert(ctx context.Context, token synchronizer.Token, table models.Table, id string, cause error) {
	if err := s.mirror.Rollback(token); err != nil && !errors.Is(err, synchronizer.ErrLoading) {
		s.logger.WithError(err).WithField("record_id", id).Warn("Failed to roll back optimistic update")
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.guard.Timeout())
	defer cancel()
	if err := s.mirror.Refresh(refreshCtx, table, id); err != nil && !errors.Is(err, synchronizer.ErrLoading) {
		s.logger.WithError(err).WithField("record_id", id).Warn("Corrective refresh failed")
	}

	s.logger.WithError(cause).WithFields(logrus.Fields{
		"table":     table,
		"record_id": id,
	}).Warn("Catalog change failed, local view reverted")
}

func productFromRequest(req models.ProductRequest) (models.Product, error) {
	p := models.Product{
		Name:         strings.TrimSpace(req.Name),
		Brand:        strings.TrimSpace(req.Brand),
		Category:     req.Category,
		Price:        req.Price,
		Stock:        req.Stock,
		Description:  strings.TrimSpace(req.Description),
		Image:        strings.TrimSpace(req.Image),
		Sizes:        cleanOptions(req.Sizes),
		Colors:       cleanOptions(req.Colors),
		IsFeatured:   req.IsFeatured,
		IsBestSeller: req.IsBestSeller,
	}

	switch {
	case p.Name == "":
		return p, apperr.Validation("name", "is required")
	case !p.Category.Valid():
		return p, apperr.Validation("category", fmt.Sprintf("unknown category %q", p.Category))
	case p.Price < 0:
		return p, apperr.Validation("price", "must not be negative")
	case p.Stock < 0:
		return p, apperr.Validation("stock", "must not be negative")
	}
	return p, nil
}

// cleanOptions trims entries and drops blanks and duplicates, keeping order.
func cleanOptions(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}
