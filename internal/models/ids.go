// Package models provides data model definitions shared by the capture
// client and the sync server.
package models

import (
	"database/sql/driver"
	"fmt"
)

// UUID is the globally unique identity of a synced record.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// QueueID orders pending operations on one device. It carries no meaning
// outside the local store and never appears on the wire.
type QueueID int64
