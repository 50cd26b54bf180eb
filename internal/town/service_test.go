package town

import "testing"

func TestSanitizeUsername(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Glass Blower ", "glass_blower"},
		{"??", "citizen_"},
		{"neon.sign!", "neon_sign"},
		{"a_very_long_username_that_exceeds_limit", "a_very_long_username_tha"},
	}
	for _, tc := range cases {
		if got := sanitizeUsername(tc.in); got != tc.want {
			t.Errorf("sanitizeUsername(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestScreenNameBlocksFragments(t *testing.T) {
	if err := screenName("town_admin"); err == nil {
		t.Fatal("expected blocked fragment to be rejected")
	}
	if err := screenName("honest_trader"); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestCatalogSpec(t *testing.T) {
	spec, ok := CatalogSpec(" Market_Stall ")
	if !ok {
		t.Fatal("expected market_stall to exist")
	}
	if spec.Cost != 250 || spec.Revenue != 25 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if _, ok := CatalogSpec("castle"); ok {
		t.Fatal("castle should not be in the catalog")
	}
}

func TestCatalogRevenueBelowCost(t *testing.T) {
	for kind, spec := range buildingCatalog {
		if spec.Revenue >= spec.Cost {
			t.Errorf("%s: revenue %d should be below cost %d", kind, spec.Revenue, spec.Cost)
		}
		if spec.Cooldown <= 0 {
			t.Errorf("%s: cooldown must be positive", kind)
		}
	}
}
