package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// plainKeys may be logged verbatim; every other key passed to MaskField is
// treated as a secret.
var plainKeys = map[string]bool{
	"service":  true,
	"env":      true,
	"error":    true,
	"listen":   true,
	"schedule": true,
	"driver":   true,
	"data_dir": true,
	"issuer":   true,
}

// MaskValue masks any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attr whose value is masked unless key is known
// to be safe.
func MaskField(key, value string) slog.Attr {
	if plainKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskDSN strips the password from a URL DSN. Keyword DSNs carrying a
// password are masked whole; file paths pass through.
func MaskDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if !strings.Contains(dsn, "://") {
		if strings.Contains(dsn, "password=") {
			return RedactedValue
		}
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return RedactedValue
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
