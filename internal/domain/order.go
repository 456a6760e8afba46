package domain

import "time"

// OrderRequest describes a market order to submit to the exchange.
// ClientOrderID is generated by the caller and must be unique; the executor
// uses it to query order status after an ambiguous failure instead of blindly
// resubmitting.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	ClientOrderID string
}

// OrderResult reports the outcome of an order submission. It is transient and
// not persisted beyond the active position's lifecycle.
type OrderResult struct {
	Symbol        string
	ClientOrderID string
	OrderID       int64 // Exchange-assigned order id
	Side          OrderSide
	ExecutedQty   float64 // Quantity actually filled
	AvgPrice      float64 // Average fill price
	Status        string  // Exchange order status (e.g. FILLED, REJECTED)
	Timestamp     time.Time
}

// Filled reports whether the order resulted in any execution.
func (r *OrderResult) Filled() bool {
	return r != nil && r.ExecutedQty > 0
}
