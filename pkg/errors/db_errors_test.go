package errors

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyDBError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyDBError(nil))
}

func TestClassifyDBError_NotFound(t *testing.T) {
	dbErr := ClassifyDBError(gorm.ErrRecordNotFound)
	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
	assert.True(t, IsNotFound(gorm.ErrRecordNotFound))
}

func TestClassifyDBError_DuplicateKey(t *testing.T) {
	err := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	dbErr := ClassifyDBError(err)
	assert.Equal(t, ErrorTypeDuplicateKey, dbErr.Type)
	assert.Equal(t, uint16(1062), dbErr.MySQLErrCode)
	assert.True(t, IsDuplicateKey(err))
}

func TestClassifyDBError_Deadlock(t *testing.T) {
	err := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	dbErr := ClassifyDBError(err)
	assert.Equal(t, ErrorTypeDeadlock, dbErr.Type)
	assert.True(t, IsRetryable(err))
}

func TestClassifyDBError_Unknown(t *testing.T) {
	err := errors.New("something else")
	dbErr := ClassifyDBError(err)
	assert.Equal(t, ErrorTypeUnknown, dbErr.Type)
	assert.False(t, IsRetryable(err))

	// Unwrap preserves the original error
	assert.ErrorIs(t, dbErr, err)
}
