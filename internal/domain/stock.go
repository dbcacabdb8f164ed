package domain

import "time"

// StockEntry is the available quantity of one product in the warehouse.
type StockEntry struct {
	ProductID   int64     `json:"product_id"`
	Quantity    int64     `json:"quantity"`
	LastUpdated time.Time `json:"last_updated"`
}
