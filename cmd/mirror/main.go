package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jogardn/storefront/internal/client"
	"github.com/jogardn/storefront/internal/comparison"
	"github.com/jogardn/storefront/internal/config"
	"github.com/jogardn/storefront/internal/synchronizer"
	"github.com/jogardn/storefront/internal/websocket"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const reportInterval = 30 * time.Second

// mirror keeps a read-only copy of a remote storefront in sync over its
// websocket feed and reports what it holds.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	wsURL, err := feedURL(cfg.StorefrontURL)
	if err != nil {
		logger.WithError(err).Fatal("Invalid STOREFRONT_URL")
	}

	loader := client.NewStorefrontClient(strings.TrimRight(cfg.StorefrontURL, "/"), logger)
	feed := websocket.NewFeed(wsURL, logger)
	view := synchronizer.New(loader, feed, synchronizer.Options{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if !initView(ctx, view, logger) {
			return
		}
		analyzer := comparison.NewAnalyzer(logger)
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()
		for {
			report(ctx, view, loader, analyzer, logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"storefront": cfg.StorefrontURL,
		"feed":       wsURL,
	}).Info("Mirror started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down mirror...")
	cancel()
	view.Dispose()
}

// feedURL turns the storefront base URL into its websocket endpoint.
func feedURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func initView(ctx context.Context, view *synchronizer.Synchronizer, logger *logrus.Logger) bool {
	delay := time.Second
	for {
		_, err := view.Init(ctx)
		if err == nil {
			return true
		}
		if errors.Is(err, synchronizer.ErrDisposed) {
			return false
		}
		logger.WithError(err).WithField("retry_in", delay.String()).Warn("Initial load failed")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// report logs what the mirror holds and audits it against a fresh read of
// the storefront.
func report(ctx context.Context, view *synchronizer.Synchronizer, loader *client.StorefrontClient, analyzer *comparison.Analyzer, logger *logrus.Logger) {
	products, err := view.Products()
	if err != nil {
		logger.WithError(err).Warn("Mirror view unavailable")
		return
	}
	all, err := view.Orders()
	if err != nil {
		logger.WithError(err).Warn("Mirror view unavailable")
		return
	}
	pending, _ := view.Orders(models.OrderStatusPending)

	var stock int
	for _, p := range products {
		stock += p.Stock
	}
	logger.WithFields(logrus.Fields{
		"products":       len(products),
		"units_in_stock": stock,
		"orders":         len(all),
		"pending_orders": len(pending),
	}).Info("Mirror state")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remoteProducts, err := loader.ListProducts(ctx)
	if err != nil {
		logger.WithError(err).Warn("Audit skipped")
		return
	}
	remoteOrders, err := loader.ListOrders(ctx)
	if err != nil {
		logger.WithError(err).Warn("Audit skipped")
		return
	}
	for _, r := range []comparison.Report{
		analyzer.CompareProducts(products, remoteProducts),
		analyzer.CompareOrders(all, remoteOrders),
	} {
		logger.WithFields(logrus.Fields{
			"table":           r.Table,
			"status":          r.Status,
			"sync_percentage": r.SyncPercentage,
			"missing_local":   len(r.MissingLocal),
			"missing_remote":  len(r.MissingRemote),
		}).Info("Mirror audit")
	}
}
