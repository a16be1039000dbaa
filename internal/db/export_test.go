package db

import "time"

// SetClock replaces the store's clock for tests that need to age rows.
func SetClock(d *Database, now func() time.Time) {
	d.now = now
}
