// Package customers derives the customer list from orders. Customers are
// never stored.
package customers

import (
	"sort"
	"strings"

	"github.com/jogardn/storefront/pkg/models"
)

// VIPThreshold is the single-order total above which a customer is VIP.
const VIPThreshold int64 = 1_000_000

// Derive groups orders by phone number. Name and address come from the most
// recent order. The result is sorted by last order, newest first.
func Derive(orders []models.Order) []models.Customer {
	byPhone := make(map[string]*models.Customer)
	for _, o := range orders {
		phone := strings.TrimSpace(o.CustomerPhone)
		if phone == "" {
			continue
		}

		c, ok := byPhone[phone]
		if !ok {
			c = &models.Customer{Phone: phone, Tier: models.CustomerTierRegular}
			byPhone[phone] = c
		}

		c.OrderCount++
		c.TotalSpent += o.Total()
		if o.Total() > VIPThreshold {
			c.Tier = models.CustomerTierVIP
		}
		if c.OrderCount == 1 || o.CreatedAt.After(c.LastOrderAt) {
			c.LastOrderAt = o.CreatedAt
			c.Name = o.CustomerName
			c.Address = o.Address
		}
	}

	result := make([]models.Customer, 0, len(byPhone))
	for _, c := range byPhone {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastOrderAt.Equal(result[j].LastOrderAt) {
			return result[i].LastOrderAt.After(result[j].LastOrderAt)
		}
		return result[i].Phone < result[j].Phone
	})
	return result
}
