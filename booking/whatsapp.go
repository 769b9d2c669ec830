package booking

import (
	"net/url"
	"strings"
)

// DefaultFeedbackMessage asks the customer to rate the visit.
const DefaultFeedbackMessage = "Hello! Were you happy with our service? Please rate it with a number from 1 to 5."

// FeedbackLink builds a wa.me link that opens a chat with the customer
// pre-filled with message. Local numbers get countryCode in place of their
// leading zero. An empty phone yields an empty link.
func FeedbackLink(phone, countryCode, message string) string {
	digits := onlyDigits(phone)
	if digits == "" {
		return ""
	}
	if countryCode != "" && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + strings.TrimPrefix(digits, "0")
	}
	text := strings.ReplaceAll(url.QueryEscape(message), "+", "%20")
	return "https://wa.me/" + digits + "?text=" + text
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
