package netconfig

import "testing"

func TestParseInterpolationMode(t *testing.T) {
	tests := []struct {
		in   string
		want InterpolationMode
		ok   bool
	}{
		{"linear", InterpLinear, true},
		{"Cubic", InterpCubic, true},
		{"HERMITE", InterpHermite, true},
		{"bezier", InterpLinear, false},
	}
	for _, tt := range tests {
		got, err := ParseInterpolationMode(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("%q: expected ok=%v, got err=%v", tt.in, tt.ok, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestParseCorrectionMode(t *testing.T) {
	if m, err := ParseCorrectionMode("smooth"); err != nil || m != CorrectionSmooth {
		t.Fatalf("expected smooth, got %v, %v", m, err)
	}
	if _, err := ParseCorrectionMode("teleport"); err == nil {
		t.Fatalf("expected error for unknown correction mode")
	}
}

func TestEnumStrings(t *testing.T) {
	if AuthorityShared.String() != "shared" {
		t.Fatalf("expected shared, got %s", AuthorityShared)
	}
	if ReliableOrdered.String() != "reliable_ordered" {
		t.Fatalf("expected reliable_ordered, got %s", ReliableOrdered)
	}
	if Authority(9).Valid() {
		t.Fatalf("expected authority 9 to be invalid")
	}
}
