package mysql

import (
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	return hasNumber(err, 1062) // Duplicate key error
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	// Error 1213: Deadlock found when trying to get lock; try restarting transaction
	return hasNumber(err, 1213)
}

// IsLockWaitTimeout returns true if the given error indicates that
// a lock could not be acquired in time.
func IsLockWaitTimeout(err error) bool {
	// Error 1205: Lock wait timeout exceeded; try restarting transaction
	return hasNumber(err, 1205)
}

// IsRetryable reports whether a transaction failing with err may succeed
// when repeated.
func IsRetryable(err error) bool {
	return IsDeadlock(err) || IsLockWaitTimeout(err)
}

func hasNumber(err error, number uint16) bool {
	var me *mysqldriver.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == number
}
