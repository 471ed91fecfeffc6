package normalize

import (
	"testing"
)

func TestParseScore(t *testing.T) {
	cases := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "7,6", want: 7.6},
		{in: "7.6", want: 7.6},
		{in: "10", want: 10},
		{in: "10,0", want: 10},
		{in: "1", want: 1},
		{in: " 8,4 ", want: 8.4},
		{in: "--", wantErr: true},
		{in: "НИЗКАЯ", wantErr: true},
		{in: "0,9", wantErr: true},  // below scale
		{in: "10,5", wantErr: true}, // above scale
		{in: "-7", wantErr: true},
		{in: "+7", wantErr: true},
		{in: "76%", wantErr: true},
		{in: "7,65", wantErr: true}, // two decimal places
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseScore(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseScore(%q) = %v, expected error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseScore(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseScore(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalizeLabels(t *testing.T) {
	m := NewLabelMap(nil, nil)

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "Коммуникация", want: "COMMUNICATION", ok: true},
		{in: "  коммуникация  ", want: "COMMUNICATION", ok: true},
		{in: "Работа в команде", want: "TEAMWORK", ok: true},
		{in: "Leadership", want: "LEADERSHIP", ok: true},
		{in: "шкала", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := m.Canonicalize(tc.in)
		if ok != tc.ok {
			t.Errorf("Canonicalize(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLabelMapCustomTable(t *testing.T) {
	m := NewLabelMap(map[string]string{
		"Ownership": "OWNERSHIP",
		"Empathy":   "EMPATHY",
	}, nil)

	if got := len(m.Codes()); got != 2 {
		t.Fatalf("expected 2 codes, got %d", got)
	}
	if code, ok := m.Canonicalize("ownership"); !ok || code != "OWNERSHIP" {
		t.Fatalf("custom mapping failed: %q %v", code, ok)
	}
	// Built-in taxonomy must not leak into a custom table.
	if _, ok := m.Canonicalize("Коммуникация"); ok {
		t.Fatal("built-in label resolved against a custom table")
	}
}
