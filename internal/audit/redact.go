package audit

// Placeholder подставляется вместо чувствительных значений.
const Placeholder = "[REDACTED]"

var redactKeys = map[string]struct{}{
	"filename":    {},
	"storageKey":  {},
	"storage_key": {},
	"filePath":    {},
	"path":        {},
	"ip":          {},
	"userAgent":   {},
	"email":       {},
	"text":        {},
	"snippet":     {},
	"excerpt":     {},
}

// Redact рекурсивно заменяет значения чувствительных ключей. Вход не изменяется.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}

func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := redactKeys[k]; ok {
			out[k] = Placeholder
			continue
		}
		out[k] = Redact(v)
	}
	return out
}
