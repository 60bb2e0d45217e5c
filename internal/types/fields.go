package types

import "strings"

// Canonical missing-field keys. Everything a parser emits is normalized to
// one of these before it touches a case row.
const (
	FieldSupplierReference = "supplier_reference"
	FieldDeliveryDate      = "delivery_date"
	FieldQuantity          = "quantity"
)

// CanonicalFields in stable order.
var CanonicalFields = []string{FieldSupplierReference, FieldDeliveryDate, FieldQuantity}

// fieldAliases maps parser-specific names onto canonical keys.
var fieldAliases = map[string]string{
	"supplier_reference":      FieldSupplierReference,
	"supplier_order_number":   FieldSupplierReference,
	"supplier_ref":            FieldSupplierReference,
	"sales_order":             FieldSupplierReference,
	"so_number":               FieldSupplierReference,
	"order_number":            FieldSupplierReference,
	"delivery_date":           FieldDeliveryDate,
	"confirmed_delivery_date": FieldDeliveryDate,
	"ship_date":               FieldDeliveryDate,
	"confirmed_ship_date":     FieldDeliveryDate,
	"promise_date":            FieldDeliveryDate,
	"quantity":                FieldQuantity,
	"confirmed_quantity":      FieldQuantity,
	"qty":                     FieldQuantity,
}

// CanonicalField maps a parser field name to its canonical key, or "" when
// the name is not recognized.
func CanonicalField(name string) string {
	return fieldAliases[strings.ToLower(strings.TrimSpace(name))]
}

// IsCanonicalField reports whether key is one of the three canonical keys.
func IsCanonicalField(key string) bool {
	switch key {
	case FieldSupplierReference, FieldDeliveryDate, FieldQuantity:
		return true
	}
	return false
}

// NormalizeMissingFields maps aliases to canonical keys, drops unknowns and
// duplicates, and returns the set in stable canonical order.
func NormalizeMissingFields(fields []string) []string {
	present := map[string]bool{}
	for _, f := range fields {
		if key := CanonicalField(f); key != "" {
			present[key] = true
		} else if IsCanonicalField(f) {
			present[f] = true
		}
	}
	out := make([]string, 0, len(present))
	for _, key := range CanonicalFields {
		if present[key] {
			out = append(out, key)
		}
	}
	return out
}

// RemoveField returns fields without key, preserving order.
func RemoveField(fields []string, key string) []string {
	out := fields[:0:0]
	for _, f := range fields {
		if f != key {
			out = append(out, f)
		}
	}
	return out
}

// ContainsField reports whether key is present in fields.
func ContainsField(fields []string, key string) bool {
	for _, f := range fields {
		if f == key {
			return true
		}
	}
	return false
}
