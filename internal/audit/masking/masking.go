package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a provider reference while keeping its prefix and a short suffix.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskKeys returns a copy of input where string values under the given keys are
// masked at any depth.
func MaskKeys(input map[string]any, keys ...string) map[string]any {
	if input == nil {
		return nil
	}
	sensitive := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		sensitive[key] = struct{}{}
	}
	return maskMap(input, sensitive)
}

func maskMap(input map[string]any, sensitive map[string]struct{}) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		if _, ok := sensitive[key]; ok {
			if s, isString := value.(string); isString {
				out[key] = MaskSecret(s)
				continue
			}
		}
		out[key] = maskValue(value, sensitive)
	}
	return out
}

func maskValue(value any, sensitive map[string]struct{}) any {
	switch cast := value.(type) {
	case map[string]any:
		return maskMap(cast, sensitive)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item, sensitive))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
