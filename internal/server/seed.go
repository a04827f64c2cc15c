package server

import (
	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/money"
)

// Development catalog used when no collaborator URLs are configured.

func seedProducts() []external.Product {
	return []external.Product{
		{ID: "a1b2c3d4-e5f6-4a1b-8c2d-1a2b3c4d5e01", SKU: "LAPTOP-PRO-15", Name: `ProBook Laptop 15"`, Price: money.MustParse("1299.99"), Stock: 50},
		{ID: "a1b2c3d4-e5f6-4a1b-8c2d-1a2b3c4d5e02", SKU: "MOUSE-ERGO-X", Name: "ErgoMouse X", Price: money.MustParse("49.99"), Stock: 100},
		{ID: "a1b2c3d4-e5f6-4a1b-8c2d-1a2b3c4d5e03", SKU: "MONITOR-4K-27", Name: `UltraView 27" 4K Monitor`, Price: money.MustParse("599.99"), Stock: 25},
		{ID: "a1b2c3d4-e5f6-4a1b-8c2d-1a2b3c4d5e04", SKU: "KEYBOARD-MECH-R", Name: "MechType Red", Price: money.MustParse("129.99"), Stock: 75},
		{ID: "a1b2c3d4-e5f6-4a1b-8c2d-1a2b3c4d5e05", SKU: "HEADSET-NC-700", Name: "SoundPro NC700 Headset", Price: money.MustParse("249.99"), Stock: 40},
	}
}

func seedCustomers() []external.Customer {
	return []external.Customer{
		{
			ID: "c0a80001-0000-4000-8000-000000000001", Name: "Alice Johnson", Email: "alice@example.com",
			BillingAddress:  external.Address{Line1: "123 Billing St", Line2: "Apt 4B", City: "New York", PostalCode: "10001", State: "NY", Country: "US"},
			ShippingAddress: external.Address{Line1: "456 Shipping Ave", City: "New York", PostalCode: "10002", State: "NY", Country: "US"},
		},
		{
			ID: "c0a80001-0000-4000-8000-000000000002", Name: "Bob Smith", Email: "bob@example.com",
			BillingAddress:  external.Address{Line1: "789 Oak Lane", City: "San Francisco", PostalCode: "94102", State: "CA", Country: "US"},
			ShippingAddress: external.Address{Line1: "789 Oak Lane", City: "San Francisco", PostalCode: "94102", State: "CA", Country: "US"},
		},
		{
			ID: "c0a80001-0000-4000-8000-000000000003", Name: "Carol Davis", Email: "carol@example.com",
			BillingAddress:  external.Address{Line1: "321 Pine Rd", Line2: "Suite 100", City: "Austin", PostalCode: "73301", State: "TX", Country: "US"},
			ShippingAddress: external.Address{Line1: "654 Elm Blvd", City: "Austin", PostalCode: "73301", State: "TX", Country: "US"},
		},
	}
}

func seedPromos() []external.PromoCode {
	return []external.PromoCode{
		{Code: "SAVE10", Type: external.DiscountPercentage, Value: money.MustParse("10"), Active: true},
		{Code: "FLAT25", Type: external.DiscountFixed, Value: money.MustParse("25"), MinPurchase: money.MustParse("100"), MaxUses: 100, Active: true},
	}
}
