// Package errors provides database error classification helpers.
package errors

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeDuplicateKey represents a duplicate key violation (MySQL 1062).
	ErrorTypeDuplicateKey
	// ErrorTypeConstraintViolation represents a foreign key or check constraint violation.
	ErrorTypeConstraintViolation
	// ErrorTypeDataTooLong represents a data too long error (MySQL 1406).
	ErrorTypeDataTooLong
	// ErrorTypeNotFound represents a record not found error.
	ErrorTypeNotFound
	// ErrorTypeDeadlock represents a deadlock error (MySQL 1213).
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a database connection error.
	ErrorTypeConnectionError
)

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type         DatabaseErrorType
	OriginalErr  error
	MySQLErrCode uint16
	Message      string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.MySQLErrCode > 0 {
		return fmt.Sprintf("%s (MySQL error %d): %v", e.Message, e.MySQLErrCode, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// ClassifyDBError classifies GORM and MySQL driver errors.
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DatabaseError{
			Type:        ErrorTypeNotFound,
			OriginalErr: err,
			Message:     "record not found",
		}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062:
			return &DatabaseError{
				Type:         ErrorTypeDuplicateKey,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "duplicate key violation",
			}
		case 1213:
			return &DatabaseError{
				Type:         ErrorTypeDeadlock,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "deadlock detected",
			}
		case 1406:
			return &DatabaseError{
				Type:         ErrorTypeDataTooLong,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "data too long for column",
			}
		case 1451, 1452, 3819:
			return &DatabaseError{
				Type:         ErrorTypeConstraintViolation,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "constraint violation",
			}
		case 1040, 1042, 1043, 1129, 1130, 2002, 2003, 2006, 2013:
			return &DatabaseError{
				Type:         ErrorTypeConnectionError,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "database connection error",
			}
		}
	}

	return &DatabaseError{
		Type:        ErrorTypeUnknown,
		OriginalErr: err,
		Message:     "database error",
	}
}

// IsNotFound reports whether err is a record-not-found error.
func IsNotFound(err error) bool {
	return ClassifyDBError(err) != nil && ClassifyDBError(err).Type == ErrorTypeNotFound
}

// IsDuplicateKey reports whether err is a duplicate-key violation.
func IsDuplicateKey(err error) bool {
	return ClassifyDBError(err) != nil && ClassifyDBError(err).Type == ErrorTypeDuplicateKey
}

// IsRetryable reports whether the operation may succeed on retry
// (deadlocks and connection errors).
func IsRetryable(err error) bool {
	dbErr := ClassifyDBError(err)
	if dbErr == nil {
		return false
	}
	return dbErr.Type == ErrorTypeDeadlock || dbErr.Type == ErrorTypeConnectionError
}
