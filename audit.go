package abx

import (
	"fmt"
	"strconv"
	"time"
)

// AuditInfo is one attribute-level change record produced by the diff phase of
// an update: the attribute name plus old and new values rendered as strings
// (booleans lowercase, timestamps RFC 3339, percentages as plain decimals).
// Audit records are persisted only for experiments beyond Draft.
type AuditInfo struct {
	AttributeName string `json:"attribute_name"`
	OldValue      string `json:"old_value"`
	NewValue      string `json:"new_value"`
}

// AuditValue renders a typed field value for audit records and change events:
// booleans lowercase, timestamps RFC 3339 in UTC, sampling percent as a plain
// decimal, user cap as a base-10 integer.
func AuditValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case State:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int32:
		return strconv.Itoa(int(t))
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}
