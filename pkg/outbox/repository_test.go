// Package outbox: unit тесты репозитория поверх sqlmock.
package outbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupMockDB создаёт мок базы данных с GORM.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock, func() { _ = db.Close() }
}

func TestRepository_MarkProcessed_Idempotent(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(gormDB)

	// Первая пометка: строка обновлена
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `outbox_events`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkProcessed(context.Background(), "evt-1"))

	// Повторная пометка: WHERE processed = false не находит строку — no-op
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `outbox_events`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	assert.NoError(t, repo.MarkProcessed(context.Background(), "evt-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkFailed(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `outbox_events`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.MarkFailed(context.Background(), "evt-1", errors.New("брокер недоступен"), 30*time.Second)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkFailed_NotFound(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `outbox_events`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.MarkFailed(context.Background(), "ghost", errors.New("x"), 30*time.Second)

	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestRepository_DeleteExpired(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `outbox_events`").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	deleted, err := repo.DeleteExpired(context.Background(), time.Now().Add(-24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
}

// =============================================================================
// Тесты Writer
// =============================================================================

func TestWriter_Append_UnknownType(t *testing.T) {
	gormDB, _, cleanup := setupMockDB(t)
	defer cleanup()

	writer := NewWriter(NewRepository(gormDB))

	_, err := writer.Append(context.Background(), gormDB, AppendParams{
		Type:          EventType("NOT_IN_REGISTRY"),
		AggregateID:   "order-1",
		AggregateType: "order",
	})

	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestWriter_Append_InsideTransaction(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	writer := NewWriter(NewRepository(gormDB))

	// Append пишет через переданную транзакцию, не открывает свою
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_events`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := gormDB.Transaction(func(tx *gorm.DB) error {
		event, err := writer.Append(context.Background(), tx, AppendParams{
			Type:          EventOrderCreated,
			AggregateID:   "order-1",
			AggregateType: "order",
			Payload:       map[string]any{"total": 3899},
		})
		if err != nil {
			return err
		}
		assert.NotEmpty(t, event.ID)
		assert.JSONEq(t, `{"total":3899}`, string(event.Payload))
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
