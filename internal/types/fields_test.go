package types

import (
	"reflect"
	"testing"
)

func TestNormalizeMissingFields(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"aliases", []string{"confirmed_ship_date", "so_number", "qty"},
			[]string{FieldSupplierReference, FieldDeliveryDate, FieldQuantity}},
		{"dedup", []string{"delivery_date", "ship_date", "confirmed_delivery_date"},
			[]string{FieldDeliveryDate}},
		{"unknown dropped", []string{"delivery_date", "color"},
			[]string{FieldDeliveryDate}},
		{"stable order", []string{"quantity", "supplier_reference"},
			[]string{FieldSupplierReference, FieldQuantity}},
		{"empty", nil, []string{}},
	}
	for _, tt := range tests {
		got := NormalizeMissingFields(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: NormalizeMissingFields(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestRemoveField(t *testing.T) {
	fields := []string{FieldSupplierReference, FieldDeliveryDate, FieldQuantity}
	got := RemoveField(fields, FieldDeliveryDate)
	want := []string{FieldSupplierReference, FieldQuantity}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RemoveField = %v, want %v", got, want)
	}
}

func TestCaseValidateRejectsNonCanonical(t *testing.T) {
	c := &Case{
		PONumber:      "PO-1001",
		LineID:        "1",
		State:         StateInboxLookup,
		MissingFields: []string{"confirmed_ship_date"},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation failure for alias in missing_fields")
	}
	c.MissingFields = []string{FieldDeliveryDate}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
}
