package data

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"RelayCore/internal/model"
	pkgerrors "RelayCore/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// setupPaymentTestDB creates a test database connection with sqlmock
func setupPaymentTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		sqlDB.Close()
	}

	return gormDB, mock, cleanup
}

func TestGetPackageLimits(t *testing.T) {
	db, mock, cleanup := setupPaymentTestDB(t)
	defer cleanup()
	repo := NewPaymentRepo(db, log.DefaultLogger)
	ctx := context.Background()
	subject := model.SubjectRef{Type: model.SubjectKey, ID: 7}

	t.Run("configured windows", func(t *testing.T) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "subject_type", "subject_id", "window", "limit_usd", "updated_at"}).
			AddRow(1, "key", 7, "daily", 10.0, now).
			AddRow(2, "key", 7, "monthly", 100.0, now).
			AddRow(3, "key", 7, "weekly", 0.0, now) // zero limit rows are ignored

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `quota_limits` WHERE subject_type = ? AND subject_id = ?")).
			WithArgs("key", int64(7)).
			WillReturnRows(rows)

		limits, err := repo.GetPackageLimits(ctx, subject)
		require.NoError(t, err)
		assert.Equal(t, map[model.QuotaWindow]float64{
			model.WindowDaily:   10,
			model.WindowMonthly: 100,
		}, limits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rows means uncapped", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `quota_limits` WHERE subject_type = ? AND subject_id = ?")).
			WithArgs("key", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		limits, err := repo.GetPackageLimits(ctx, subject)
		require.NoError(t, err)
		assert.Nil(t, limits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error is classified", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `quota_limits`")).
			WillReturnError(sql.ErrConnDone)

		_, err := repo.GetPackageLimits(ctx, subject)
		require.Error(t, err)
		assert.IsType(t, &pkgerrors.DatabaseError{}, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetPaymentAccount(t *testing.T) {
	db, mock, cleanup := setupPaymentTestDB(t)
	defer cleanup()
	repo := NewPaymentRepo(db, log.DefaultLogger)
	ctx := context.Background()
	subject := model.SubjectRef{Type: model.SubjectUser, ID: 2}

	t.Run("existing account", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "subject_type", "subject_id", "balance_usd", "balance_policy", "updated_at"}).
			AddRow(1, "user", 2, 42.5, "after_quota", time.Now())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payment_accounts` WHERE subject_type = ? AND subject_id = ?")).
			WithArgs("user", int64(2), 1).
			WillReturnRows(rows)

		account, err := repo.GetPaymentAccount(ctx, subject)
		require.NoError(t, err)
		require.NotNil(t, account)
		assert.Equal(t, subject, account.Subject)
		assert.Equal(t, 42.5, account.Balance)
		assert.Equal(t, model.BalanceAfterQuota, account.Policy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account is nil not error", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payment_accounts` WHERE subject_type = ? AND subject_id = ?")).
			WithArgs("user", int64(2), 1).
			WillReturnError(gorm.ErrRecordNotFound)

		account, err := repo.GetPaymentAccount(ctx, subject)
		require.NoError(t, err)
		assert.Nil(t, account)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDebitBalance(t *testing.T) {
	db, mock, cleanup := setupPaymentTestDB(t)
	defer cleanup()
	repo := NewPaymentRepo(db, log.DefaultLogger)
	ctx := context.Background()
	subject := model.SubjectRef{Type: model.SubjectKey, ID: 7}

	t.Run("atomic decrement", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `payment_accounts` SET `balance_usd`=balance_usd - ?")).
			WithArgs(2.5, sqlmock.AnyArg(), "key", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, repo.DebitBalance(ctx, subject, 2.5))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no matching account errors", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `payment_accounts`")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		assert.Error(t, repo.DebitBalance(ctx, subject, 2.5))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount is a no-op", func(t *testing.T) {
		assert.NoError(t, repo.DebitBalance(ctx, subject, 0))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
