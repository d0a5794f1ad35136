package models

import "testing"

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeSmart, false},
		{"smart", ModeSmart, false},
		{"full", ModeFull, false},
		{"minimal", ModeMinimal, false},
		{"sequential", ModeSequential, false},
		{"Smart", "", true},
		{"parallel", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMode_Policies(t *testing.T) {
	if ModeMinimal.AllowsTier(2) {
		t.Error("minimal must not allow tier 2")
	}
	if !ModeMinimal.AllowsTier(1) {
		t.Error("minimal must allow tier 1")
	}
	if !ModeFull.AllowsTier(5) {
		t.Error("full must allow every tier")
	}
	if got := ModeSequential.ConcurrencyBound(8); got != 1 {
		t.Errorf("sequential bound = %d, want 1", got)
	}
	if got := ModeFull.ConcurrencyBound(8); got != 8 {
		t.Errorf("full bound = %d, want 8", got)
	}
	if !ModeSmart.SkipsIdleWork() || ModeFull.SkipsIdleWork() {
		t.Error("only smart mode skips idle work")
	}
}
