package models

import (
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusShipped,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Order is created only by the order workflow. ProductName and Price are a
// snapshot taken at reservation time and never follow later product edits.
type Order struct {
	ID            string      `json:"id" dynamodbav:"order_id"`
	ProductID     string      `json:"product_id" dynamodbav:"product_id"`
	ProductName   string      `json:"product_name" dynamodbav:"product_name"`
	Price         int64       `json:"price" dynamodbav:"price"`
	CustomerName  string      `json:"customer_name" dynamodbav:"customer_name"`
	CustomerPhone string      `json:"customer_phone" dynamodbav:"customer_phone"`
	Address       string      `json:"address" dynamodbav:"address"`
	Size          string      `json:"size" dynamodbav:"size"`
	Color         string      `json:"color" dynamodbav:"color"`
	Quantity      int         `json:"quantity" dynamodbav:"quantity"`
	Status        OrderStatus `json:"status" dynamodbav:"status"`
	CreatedAt     time.Time   `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" dynamodbav:"updated_at"`
	Version       int64       `json:"version" dynamodbav:"version"`
}

// Total is the order value at snapshot price.
func (o Order) Total() int64 {
	return o.Price * int64(o.Quantity)
}

type PlaceOrderRequest struct {
	ProductID     string `json:"product_id"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Address       string `json:"address"`
	Size          string `json:"size"`
	Color         string `json:"color"`
	Quantity      int    `json:"quantity"`
}

type StatusUpdateRequest struct {
	Status OrderStatus `json:"status"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
