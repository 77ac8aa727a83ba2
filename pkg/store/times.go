package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// dbTimeLayout is fixed width so stored timestamps compare correctly as text.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func formatOptionalDBTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatDBTime(*t)
}

func parseDBTimeValue(v any) (time.Time, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC(), nil
	case string:
		return parseDBTimeString(tv)
	case []byte:
		return parseDBTimeString(string(tv))
	case nil:
		return time.Time{}, fmt.Errorf("time value is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported time value type %T", v)
	}
}

func parseOptionalDBTime(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := parseDBTimeValue(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDBTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dbTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time value %q", s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
