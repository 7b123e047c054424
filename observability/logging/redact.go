package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credentials and signatures in log output.
const RedactedValue = "[REDACTED]"

// Keys that never carry secrets. Anything else passed through MaskField is
// redacted.
var plainKeys = map[string]struct{}{
	"action":  {},
	"asset":   {},
	"account": {},
	"user":    {},
	"route":   {},
	"status":  {},
	"method":  {},
	"scope":   {},
	"error":   {},
	"reason":  {},
}

// MaskField returns value under key, or RedactedValue when the key is not a
// known plain field. Empty values pass through so missing credentials stay
// visible as such.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
