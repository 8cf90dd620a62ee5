package fingerprint

import (
	"fmt"
	"unicode/utf8"
)

// Context is the set of categorical request attributes (country, language, site, ...)
// keyed by field name. Field order and value order carry no meaning for caching.
type Context map[string][]string

// Limits bounds the size of a single scoring request.
// Zero values disable the corresponding check.
type Limits struct {
	MaxModelNameLen   int
	MaxItems          int
	MaxFields         int
	MaxValuesPerField int
}

// ReservedField is the backend input name that carries item ids. A context
// field with this name would collide with it.
const ReservedField = "item_id"

// DefaultLimits mirrors the defaults shipped in config.
var DefaultLimits = Limits{
	MaxModelNameLen:   256,
	MaxItems:          10_000,
	MaxFields:         64,
	MaxValuesPerField: 1_000,
}

// EncodingError reports a malformed request. It is raised before any cache
// interaction and maps to a client error at the transport layer.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func encodingErr(field, format string, args ...any) *EncodingError {
	return &EncodingError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a request shape against l.
func (l Limits) Validate(modelName string, ctx Context, itemCount int) error {
	if modelName == "" {
		return encodingErr("model_name", "is required")
	}
	if l.MaxModelNameLen > 0 && len(modelName) > l.MaxModelNameLen {
		return encodingErr("model_name", "too long (%d bytes, max %d)", len(modelName), l.MaxModelNameLen)
	}
	if !utf8.ValidString(modelName) {
		return encodingErr("model_name", "must be valid UTF-8")
	}

	if itemCount <= 0 {
		return encodingErr("items", "must provide at least 1 item for scoring, received 0")
	}
	if l.MaxItems > 0 && itemCount > l.MaxItems {
		return encodingErr("items", "too many items (%d, max %d)", itemCount, l.MaxItems)
	}

	if l.MaxFields > 0 && len(ctx) > l.MaxFields {
		return encodingErr("context", "too many fields (%d, max %d)", len(ctx), l.MaxFields)
	}
	for name, values := range ctx {
		if name == "" {
			return encodingErr("context", "field name must not be empty")
		}
		if !utf8.ValidString(name) {
			return encodingErr("context", "field name %q must be valid UTF-8", name)
		}
		if name == ReservedField {
			return encodingErr("context."+name, "is reserved for item ids")
		}
		if l.MaxValuesPerField > 0 && len(values) > l.MaxValuesPerField {
			return encodingErr("context."+name, "too many values (%d, max %d)", len(values), l.MaxValuesPerField)
		}
		for i, v := range values {
			if !utf8.ValidString(v) {
				return encodingErr("context."+name, "value[%d] must be valid UTF-8", i)
			}
		}
	}
	return nil
}
