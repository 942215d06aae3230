package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/atelierml/backend/internal/models"
)

func TestNotificationService_Notify(t *testing.T) {
	t.Run("persists the notification row", func(t *testing.T) {
		db, dbmock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewNotificationService(db, nil, testLogger())

		dbmock.ExpectQuery("INSERT INTO notifications").
			WithArgs(int64(7), models.NotificationGenerationComplete, "job", int64(42),
				sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

		service.Notify(7, models.NotificationGenerationComplete, "job", 42,
			map[string]any{"result_reference": "results/42/image.png"})

		assert.NoError(t, dbmock.ExpectationsWereMet())
	})

	t.Run("publishes to the recipient channel when redis is up", func(t *testing.T) {
		db, dbmock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rdb, redmock := redismock.NewClientMock()
		service := NewNotificationService(db, rdb, testLogger())

		dbmock.ExpectQuery("INSERT INTO notifications").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(6))
		redmock.Regexp().ExpectPublish("notifications:7", `.*`).SetVal(1)

		service.Notify(7, models.NotificationTrainingComplete, "job", 42, nil)

		assert.NoError(t, dbmock.ExpectationsWereMet())
		assert.NoError(t, redmock.ExpectationsWereMet())
	})

	t.Run("insert failure is swallowed", func(t *testing.T) {
		db, dbmock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewNotificationService(db, nil, testLogger())

		dbmock.ExpectQuery("INSERT INTO notifications").
			WillReturnError(assert.AnError)

		service.Notify(7, models.NotificationTrainingFailed, "job", 42, nil)

		assert.NoError(t, dbmock.ExpectationsWereMet())
	})
}
