package masking

import "strings"

const maskToken = "****"

// sensitiveKeys hold payment references and receipt numbers from the
// cashier; everything else in audit metadata is stored verbatim.
var sensitiveKeys = map[string]struct{}{
	"reference":      {},
	"payment_ref":    {},
	"card_last4":     {},
	"receipt_number": {},
}

// MaskSecret redacts a value while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// MaskMetadata returns a copy of input with sensitive string values masked.
func MaskMetadata(input map[string]any) map[string]any {
	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, ok := sensitiveKeys[strings.ToLower(trimmedKey)]; ok {
			if s, isString := value.(string); isString {
				masked[trimmedKey] = MaskSecret(s)
				continue
			}
		}
		if nested, ok := value.(map[string]any); ok {
			masked[trimmedKey] = MaskMetadata(nested)
			continue
		}
		masked[trimmedKey] = value
	}
	return masked
}
