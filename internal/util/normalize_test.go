package util

import "testing"

func TestNormalizeRecipient(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"email lowercased", "User@Example.COM", "user@example.com"},
		{"email trimmed", "  user@example.com  ", "user@example.com"},
		{"phone spaces stripped", "+1 415 555 0100", "+14155550100"},
		{"phone dashes stripped", "415-555-0100", "4155550100"},
		{"phone parens stripped", "(415) 555-0100", "4155550100"},
		{"already clean", "+14155550100", "+14155550100"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeRecipient(tc.input); got != tc.want {
				t.Fatalf("NormalizeRecipient(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
