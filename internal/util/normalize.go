package util

import "strings"

// NormalizeRecipient canonicalizes a phone number or email address so that
// cache keys and audit rows agree regardless of how the caller formatted it.
// Emails are lowercased; phone numbers lose spaces, dashes and parentheses.
func NormalizeRecipient(recipient string) string {
	normalized := strings.TrimSpace(recipient)

	if strings.Contains(normalized, "@") {
		return strings.ToLower(normalized)
	}

	normalized = strings.ReplaceAll(normalized, " ", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "(", "")
	normalized = strings.ReplaceAll(normalized, ")", "")
	return normalized
}
