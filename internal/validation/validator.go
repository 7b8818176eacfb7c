package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// MaxDistinctProducts bounds an order so stock reservation fits in one
// DynamoDB transaction: one item per product plus the order put.
const MaxDistinctProducts = 99

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	return v
}

// createOrderStructValidation caps the number of distinct products.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	distinct := make(map[string]struct{}, len(req.Items))
	for _, it := range req.Items {
		distinct[it.ProductID] = struct{}{}
	}
	if len(distinct) > MaxDistinctProducts {
		sl.ReportError(req.Items, "items", "Items", "max_distinct_products",
			fmt.Sprintf("%d distinct products > %d", len(distinct), MaxDistinctProducts))
	}
}
