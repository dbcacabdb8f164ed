package domain

import "sort"

// Demand is a requested quantity of one product.
type Demand struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// Shortfall describes a product whose stock cannot cover the requested quantity.
type Shortfall struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int64  `json:"requested"`
	Available   int64  `json:"available"`
}

// MergeDemands sums quantities per product and returns one demand per product
// ordered by ascending product id. Every multi-row lock acquisition must walk
// products in this order.
func MergeDemands(demands []Demand) []Demand {
	totals := make(map[int64]int64, len(demands))
	for _, d := range demands {
		totals[d.ProductID] += d.Quantity
	}

	merged := make([]Demand, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Demand{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ProductID < merged[j].ProductID
	})
	return merged
}

func DemandsFromLines(lines []CartLine) []Demand {
	demands := make([]Demand, len(lines))
	for i, l := range lines {
		demands[i] = Demand{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return demands
}
