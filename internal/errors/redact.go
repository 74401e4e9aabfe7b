package errors

import (
	"encoding/json"
)

const maxLoggedBody = 500

var sensitiveFields = []string{
	"licenseKey", "license_key", "deviceFingerprint", "device_fingerprint",
	"password", "token", "secret", "signature",
}

// RedactLicenseFields renders v as JSON for logging with license secrets replaced.
// Values that do not marshal to a JSON object are logged as "[unloggable]".
func RedactLicenseFields(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "[unloggable]"
	}
	return SanitizeBody(raw)
}

// SanitizeBody redacts sensitive top-level fields of a JSON body and caps its length
func SanitizeBody(body []byte) string {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return "[unloggable]"
	}

	for _, field := range sensitiveFields {
		if val, exists := data[field]; exists && val != "" {
			data[field] = "[REDACTED]"
		}
	}

	sanitized, err := json.Marshal(data)
	if err != nil {
		return "[unloggable]"
	}
	out := string(sanitized)
	if len(out) > maxLoggedBody {
		out = out[:maxLoggedBody] + "..."
	}
	return out
}
