package routing

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "youtube.com", "youtube.com"},
		{"trailing slash", "youtube.com/", "youtube.com"},
		{"scheme and case", "https://YouTube.com/", "youtube.com"},
		{"http scheme", "http://youtube.com", "youtube.com"},
		{"uppercase", "YOUTUBE.COM", "youtube.com"},
		{"whitespace", "  youtube.com  ", "youtube.com"},
		{"only one trailing slash stripped", "youtube.com//", "youtube.com/"},
		{"subdomain", "https://App.Example.org", "app.example.org"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.raw); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeEquivalence(t *testing.T) {
	// Inputs that normalize identically must resolve to the same key.
	inputs := []string{"https://YouTube.com/", "youtube.com", "youtube.com/"}

	want := Normalize(inputs[0])
	for _, raw := range inputs[1:] {
		if got := Normalize(raw); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}
