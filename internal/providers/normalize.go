package providers

import (
	"strings"
	"unicode"
)

// SanitizePhone strips a raw phone string to digits and normalizes U.S.
// 10-digit numbers to 1XXXXXXXXXX. Anything else is returned digits-only.
func SanitizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		return "1" + digits
	}
	return digits
}

// ParseLocation splits a composite provider location string such as
// "Austin, Texas, United States" into city, state and country. Shorter forms
// fill from the right: "Texas, United States" has no city.
func ParseLocation(location string) (city, state, country string) {
	parts := strings.Split(location, ",")
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	switch len(trimmed) {
	case 0:
		return "", "", ""
	case 1:
		return "", trimmed[0], ""
	case 2:
		return "", trimmed[0], trimmed[1]
	default:
		return trimmed[0], trimmed[1], strings.Join(trimmed[2:], ", ")
	}
}

// classifyPhoneLabel maps a provider-native phone label onto our type enum.
func classifyPhoneLabel(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "mobile", "cell", "personal":
		return PhoneTypeMobile
	case "work", "office", "work_hq", "corporate":
		return PhoneTypeWork
	default:
		return PhoneTypeOther
	}
}

// splitName breaks a full name into first and last, keeping middle tokens
// with the last name.
func splitName(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
