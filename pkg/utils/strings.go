package utils

import "strings"

// SanitizeName lowercases a name and reduces it to [a-z0-9-] so it can be
// embedded safely in file names (lock files, session logs).
func SanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "default"
	}
	replacer := func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}
	sanitized := strings.Map(replacer, name)
	sanitized = strings.Trim(sanitized, "-")
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	if sanitized == "" {
		return "default"
	}
	return sanitized
}

// NormalizeVolume canonicalizes a volume identifier for comparison.
// Volume letters compare case-insensitively and trailing separators are
// irrelevant ("D:", "d:", "D:\" all name the same volume).
func NormalizeVolume(volume string) string {
	volume = strings.TrimSpace(volume)
	trimmed := strings.TrimRight(volume, "/\\")
	if trimmed == "" {
		// A bare separator names the filesystem root.
		if volume == "" {
			return ""
		}
		return "/"
	}
	return strings.ToUpper(trimmed)
}
