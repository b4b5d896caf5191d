package validate

import (
	"strings"
	"unicode/utf8"
)

const (
	maxLabelLength      = 120
	maxDeviceKeyNameLen = 60
)

// SessionLabel checks a human-readable session label. Returns an error
// message suitable for the API response, or "" when valid.
func SessionLabel(label string) string {
	if !utf8.ValidString(label) {
		return "label must be valid UTF-8"
	}
	if utf8.RuneCountInString(label) > maxLabelLength {
		return "label must be at most 120 characters"
	}
	for _, r := range label {
		if r < 0x20 {
			return "label must not contain control characters"
		}
	}
	return ""
}

func DeviceKeyName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "name is required"
	}
	if utf8.RuneCountInString(name) > maxDeviceKeyNameLen {
		return "name must be at most 60 characters"
	}
	return ""
}

// ContentType reports whether the chunk content type is an accepted
// video container.
func ContentType(ct string) bool {
	switch ct {
	case "video/mp4", "video/quicktime", "video/webm":
		return true
	}
	return false
}
