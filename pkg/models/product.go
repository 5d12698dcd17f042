package models

import (
	"time"
)

type Category string

const (
	CategoryOuter       Category = "OUTER"
	CategoryTop         Category = "TOP"
	CategoryBottom      Category = "BOTTOM"
	CategoryShoes       Category = "SHOES"
	CategoryAccessories Category = "ACCESSORIES"
)

var Categories = []Category{
	CategoryOuter,
	CategoryTop,
	CategoryBottom,
	CategoryShoes,
	CategoryAccessories,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Product prices are in the smallest currency unit. Stock never goes below
// zero; the store rejects any decrement that would.
type Product struct {
	ID           string    `json:"id" dynamodbav:"product_id"`
	Name         string    `json:"name" dynamodbav:"name"`
	Brand        string    `json:"brand" dynamodbav:"brand"`
	Category     Category  `json:"category" dynamodbav:"category"`
	Price        int64     `json:"price" dynamodbav:"price"`
	Stock        int       `json:"stock" dynamodbav:"stock"`
	Description  string    `json:"description" dynamodbav:"description"`
	Image        string    `json:"image" dynamodbav:"image"`
	Sizes        []string  `json:"sizes" dynamodbav:"sizes"`
	Colors       []string  `json:"colors" dynamodbav:"colors"`
	IsFeatured   bool      `json:"is_featured" dynamodbav:"is_featured"`
	IsBestSeller bool      `json:"is_best_seller" dynamodbav:"is_best_seller"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
	Version      int64     `json:"version" dynamodbav:"version"`
}

func (p Product) HasSize(size string) bool {
	return contains(p.Sizes, size)
}

func (p Product) HasColor(color string) bool {
	return contains(p.Colors, color)
}

// Clone returns a copy that shares no slices with p.
func (p Product) Clone() Product {
	c := p
	c.Sizes = append([]string(nil), p.Sizes...)
	c.Colors = append([]string(nil), p.Colors...)
	return c
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

type ProductRequest struct {
	Name         string   `json:"name"`
	Brand        string   `json:"brand"`
	Category     Category `json:"category"`
	Price        int64    `json:"price"`
	Stock        int      `json:"stock"`
	Description  string   `json:"description"`
	Image        string   `json:"image"`
	Sizes        []string `json:"sizes"`
	Colors       []string `json:"colors"`
	IsFeatured   bool     `json:"is_featured"`
	IsBestSeller bool     `json:"is_best_seller"`
}
