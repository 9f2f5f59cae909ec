package envstore

import (
	"fmt"
	"time"
)

const dbTimeLayout = time.RFC3339Nano

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

// dbTime scans TEXT timestamps regardless of how the driver surfaces them.
type dbTime struct {
	Time time.Time
}

func (d *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		d.Time = time.Time{}
		return nil
	case time.Time:
		d.Time = v.UTC()
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", value)
	}
}

func (d *dbTime) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse time %q", s)
}
