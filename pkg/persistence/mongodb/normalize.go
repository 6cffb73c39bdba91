package mongodb

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// normalizeMap converts decoded BSON containers nested in m into plain Go maps and slices so
// callers can type-switch on map[string]any.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = normalize(value)
	}

	return out
}

func normalize(value any) any {
	switch v := value.(type) {
	case primitive.M:
		return normalizeMap(v)
	case map[string]any:
		return normalizeMap(v)
	case primitive.D:
		return normalizeMap(v.Map())
	case primitive.A:
		return normalizeSlice(v)
	case []any:
		return normalizeSlice(v)
	case primitive.DateTime:
		return v.Time().UTC()
	default:
		return value
	}
}

func normalizeSlice(items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = normalize(item)
	}

	return out
}
