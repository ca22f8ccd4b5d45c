package normalize

import "testing"

func TestPlateCanonicalization(t *testing.T) {
	cases := map[string]string{
		"abc123":    "ABC123",
		" ab_12 34": "AB1234",
		"AB-CD-12":  "ABCD12",
		"":          "",
	}
	for in, want := range cases {
		if got := Plate(in); got != want {
			t.Fatalf("Plate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlausible(t *testing.T) {
	if !Plausible("ABC123", nil) {
		t.Fatalf("expected ABC123 plausible")
	}
	if Plausible("", nil) {
		t.Fatalf("empty plate must not be plausible")
	}
	if Plausible("AB", nil) {
		t.Fatalf("two characters must not be plausible")
	}
	if Plausible("ABCDEFGHI", nil) {
		t.Fatalf("nine characters must not be plausible")
	}
	if Plausible("AB C1", nil) {
		t.Fatalf("uncanonicalized input must not be plausible")
	}
}

func TestCharStats(t *testing.T) {
	min, mean, ratio := CharStats([]float64{0.9, 0.5, 0.7}, 0.6)
	if min != 0.5 {
		t.Fatalf("min: %v", min)
	}
	if mean < 0.69 || mean > 0.71 {
		t.Fatalf("mean: %v", mean)
	}
	if ratio < 0.66 || ratio > 0.67 {
		t.Fatalf("ratio: %v", ratio)
	}
	if min, mean, ratio := CharStats(nil, 0.6); min != 0 || mean != 0 || ratio != 0 {
		t.Fatalf("empty input should yield zeros")
	}
}
