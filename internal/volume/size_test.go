package volume

import "testing"

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"":     DefaultSizeBytes,
		"1K":   1 << 10,
		"20M":  20 << 20,
		"5G":   5 << 30,
		"2t":   2 << 40,
		"512g": 512 << 30,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseSizeRejectsBadInput(t *testing.T) {
	for _, in := range []string{"G", "10", "-5G", "10X", "abc"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q): expected error", in)
		}
	}
}
