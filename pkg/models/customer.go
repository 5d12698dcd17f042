package models

import (
	"time"
)

type CustomerTier string

const (
	CustomerTierVIP     CustomerTier = "VIP"
	CustomerTierRegular CustomerTier = "Regular"
)

// Customer is derived from orders grouped by phone number. It is never stored.
type Customer struct {
	Phone       string       `json:"phone"`
	Name        string       `json:"name"`
	Address     string       `json:"address"`
	TotalSpent  int64        `json:"total_spent"`
	OrderCount  int          `json:"order_count"`
	LastOrderAt time.Time    `json:"last_order_at"`
	Tier        CustomerTier `json:"tier"`
}
