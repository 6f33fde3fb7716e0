package geo

import (
	"context"
	"testing"
)

func TestNoopResolver(t *testing.T) {
	loc, err := NoopResolver{}.Resolve(context.Background(), "203.0.113.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc != (Location{}) {
		t.Errorf("location = %+v, want empty", loc)
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	if err := r.AddRange("203.0.113.0/24", Location{Country: "SE", City: "Stockholm"}); err != nil {
		t.Fatalf("add range: %v", err)
	}
	if err := r.AddRange("2001:db8::/32", Location{Country: "DE"}); err != nil {
		t.Fatalf("add v6 range: %v", err)
	}

	ctx := context.Background()

	tests := []struct {
		name string
		ip   string
		want Location
	}{
		{"v4 in range", "203.0.113.42", Location{Country: "SE", City: "Stockholm"}},
		{"v4 outside range", "198.51.100.1", Location{}},
		{"v6 in range", "2001:db8::1", Location{Country: "DE"}},
		{"unparseable ip", "not-an-ip", Location{}},
		{"empty ip", "", Location{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := r.Resolve(ctx, tt.ip)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if loc != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.ip, loc, tt.want)
			}
		})
	}
}

func TestStaticResolver_RejectsBadCIDR(t *testing.T) {
	r := NewStaticResolver()
	if err := r.AddRange("not-a-cidr", Location{}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}
