package domain

import "testing"

func TestExtractERPTag(t *testing.T) {
	cases := []struct {
		name        string
		description string
		want        string
		ok          bool
	}{
		{name: "plain tag", description: "Crispy crust [Odoo ID: __export__.product_42]", want: "__export__.product_42", ok: true},
		{name: "case and spacing", description: "[ odoo id :  burger_deluxe ] extra", want: "burger_deluxe", ok: true},
		{name: "full-width punctuation", description: "ラーメン［Odoo ID：ramen_01］", want: "ramen_01", ok: true},
		{name: "missing tag", description: "Seasonal salad", ok: false},
		{name: "empty token", description: "[Odoo ID: ]", ok: false},
		{name: "blank description", description: "  ", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractERPTag(tc.description)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v (token %q)", tc.ok, ok, got)
			}
			if got != tc.want {
				t.Fatalf("expected token %q, got %q", tc.want, got)
			}
		})
	}
}

func TestProductERPTokenPrefersExternalID(t *testing.T) {
	product := Product{
		ExternalID:  "  product_template_7 ",
		Description: "[Odoo ID: legacy_7]",
	}
	token, ok := product.ERPToken()
	if !ok || token != "product_template_7" {
		t.Fatalf("expected first-class external id, got %q (ok=%v)", token, ok)
	}

	product.ExternalID = ""
	token, ok = product.ERPToken()
	if !ok || token != "legacy_7" {
		t.Fatalf("expected description fallback, got %q (ok=%v)", token, ok)
	}
}

func TestOrderStatusHelpers(t *testing.T) {
	if !OrderStatusOnTheWay.DeliveryOnly() || !OrderStatusAssigned.DeliveryOnly() {
		t.Fatalf("assigned and on_the_way must be delivery-only")
	}
	if OrderStatusReady.DeliveryOnly() {
		t.Fatalf("ready applies to every order type")
	}
	if OrderStatus("shipped").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}
