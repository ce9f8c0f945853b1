// Package model defines the database models, keeping mysql and redis connection instances.
package model

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Model struct {
	Status    int8      `json:"status" gorm:"omitempty; not null; type:tinyint; default:1;"`
	CreatedAt time.Time `json:"createdAt" gorm:"omitempty; not null;"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"omitempty; not null;"`
}

// GormMap is a gorm custom datatype, for storing json objects in mysql
type GormMap map[string]interface{}

func (a GormMap) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	return string(b), err
}

func (a *GormMap) Scan(input interface{}) error {
	switch v := input.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported GormMap source type %T", input)
	}
}

func (a GormMap) GormDataType() string {
	return "json"
}

func (a GormMap) V() map[string]interface{} {
	return map[string]interface{}(a)
}

// GormTime is a gorm custom datatype, for solving mysql's NO_ZERO_DATE problem
// Incorrect datetime value: '1000-01-01 08:00:00.000+08:00' in mysql 8.0 default config.
type GormTime time.Time

func (t GormTime) Value() (driver.Value, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return "1000-01-01 08:00:00.000", nil
	}
	return tt.Format("2006-01-02 15:04:05.999"), nil
}

func (t *GormTime) Scan(value interface{}) error {
	// sqlite hands datetime columns back as text
	switch v := value.(type) {
	case []byte:
		return t.scanString(string(v))
	case string:
		return t.scanString(v)
	}

	nullTime := &sql.NullTime{}
	err := nullTime.Scan(value)
	*t = GormTime(unsentinel(nullTime.Time))
	return err
}

func (t *GormTime) scanString(s string) error {
	if s == "" {
		*t = GormTime(time.Time{})
		return nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999", time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if tt, err := time.Parse(layout, s); err == nil {
			*t = GormTime(unsentinel(tt))
			return nil
		}
	}
	return fmt.Errorf("unsupported GormTime value %q", s)
}

// unsentinel maps the stored NO_ZERO_DATE placeholder back to the zero value.
func unsentinel(tt time.Time) time.Time {
	if tt.Year() == 1000 {
		return time.Time{}
	}
	return tt
}

func (t GormTime) GormDataType() string {
	return "datetime(3)"
}

func (t GormTime) String() string {
	return t.Time().String()
}

func (t GormTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time())
}

func (t GormTime) Time() time.Time {
	return time.Time(t)
}
