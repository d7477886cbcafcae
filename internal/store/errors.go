package store

import (
	"errors"

	"github.com/ncruces/go-sqlite3"
)

// IsConstraint reports whether err is any SQLite constraint violation.
func IsConstraint(err error) bool {
	var serr *sqlite3.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.CONSTRAINT
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint violation. Claim exclusivity and response idempotence both
// hang off this check.
func IsUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	ext := serr.ExtendedCode()
	return ext == sqlite3.CONSTRAINT_UNIQUE || ext == sqlite3.CONSTRAINT_PRIMARYKEY
}

// IsBusy reports whether err is a busy-timeout failure. Busy errors are
// transient: the caller may retry the whole operation.
func IsBusy(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlite3.BUSY || code == sqlite3.LOCKED
}
