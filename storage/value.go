package storage

import "time"

// Value represents a stored string value with its optional deadline
type Value struct {
	Data   []byte
	Expiry *time.Time
}

// IsExpired returns true if the value's deadline is not after now
func (v *Value) IsExpired(now time.Time) bool {
	return v.Expiry != nil && !now.Before(*v.Expiry)
}
