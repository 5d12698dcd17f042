package comparison

import (
	"testing"

	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalyzer() *Analyzer {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAnalyzer(logger)
}

func TestCompareProductsInSync(t *testing.T) {
	products := []models.Product{
		{ID: "a", Name: "Coat", Price: 100, Stock: 2, Version: 3},
		{ID: "b", Name: "Knit", Price: 50, Stock: 0, Version: 1},
	}
	report := newAnalyzer().CompareProducts(products, products)

	assert.Equal(t, StatusInSync, report.Status)
	assert.Equal(t, 2, report.Matches)
	assert.Equal(t, float64(100), report.SyncPercentage)
	assert.Empty(t, report.Mismatches)
}

func TestCompareEmpty(t *testing.T) {
	report := newAnalyzer().CompareOrders(nil, nil)
	assert.Equal(t, StatusInSync, report.Status)
	assert.Equal(t, float64(100), report.SyncPercentage)
}

func TestCompareProductsLagging(t *testing.T) {
	local := []models.Product{{ID: "a", Name: "Coat", Stock: 3, Version: 1}}
	remote := []models.Product{
		{ID: "a", Name: "Coat", Stock: 2, Version: 2},
		{ID: "b", Name: "New", Version: 1},
	}
	report := newAnalyzer().CompareProducts(local, remote)

	assert.Equal(t, StatusLagging, report.Status)
	assert.Equal(t, []string{"b"}, report.MissingLocal)
	require.Len(t, report.Mismatches, 2)
	assert.Equal(t, "stock", report.Mismatches[0].Field)
	assert.Equal(t, "version", report.Mismatches[1].Field)
	assert.Equal(t, float64(0), report.SyncPercentage)
}

func TestCompareOrdersDrifted(t *testing.T) {
	local := []models.Order{
		{ID: "o1", Status: models.OrderStatusShipped, Quantity: 1, Version: 2},
		{ID: "ghost", Status: models.OrderStatusPending, Quantity: 1, Version: 1},
	}
	remote := []models.Order{
		{ID: "o1", Status: models.OrderStatusPending, Quantity: 1, Version: 2},
	}
	report := newAnalyzer().CompareOrders(local, remote)

	assert.Equal(t, StatusDrifted, report.Status)
	assert.Equal(t, []string{"ghost"}, report.MissingRemote)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, models.OrderStatusShipped, report.Mismatches[0].Local)
	assert.Equal(t, 2, report.Total)
}
