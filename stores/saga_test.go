package stores

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/malwarebo/mentorpay/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaStore_RecordStep_ClaimIsExclusive(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreateSagaStore(db)

	mock.ExpectQuery(`INSERT INTO "saga_steps" .* ON CONFLICT \("payment_id","step"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("step_1"))
	mock.ExpectQuery(`INSERT INTO "saga_steps"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	claim := func() *models.SagaStep {
		return &models.SagaStep{
			PaymentID: "pay_1",
			Step:      models.SagaStepBookingAttempted,
			Outcome:   models.SagaOutcomePending,
		}
	}

	won, err := store.RecordStep(context.Background(), claim())
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.RecordStep(context.Background(), claim())
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaStore_Steps(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreateSagaStore(db)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "saga_steps" WHERE payment_id = \$1 ORDER BY created_at ASC`).
		WithArgs("pay_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_id", "step", "outcome", "created_at"}).
			AddRow("s1", "pay_1", "PAYMENT_CAPTURED", "SUCCEEDED", now).
			AddRow("s2", "pay_1", "BOOKING_ATTEMPTED", "PENDING", now))

	log, err := store.Steps(context.Background(), "pay_1")

	require.NoError(t, err)
	assert.Len(t, log, 2)
	assert.True(t, log.Has(models.SagaStepBookingAttempted))
	assert.False(t, log.Has(models.SagaStepBookingResult))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaStore_Reclaim(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreateSagaStore(db)

	mock.ExpectExec(`UPDATE "saga_steps" SET .*"attempt"=attempt \+ 1.* WHERE payment_id = \$\d+ AND step = \$\d+ AND attempt = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "saga_steps"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Reclaim(context.Background(), "pay_1", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reclaim(context.Background(), "pay_1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaStore_ListStuck(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreateSagaStore(db)

	attempted := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`FROM saga_steps a\s+JOIN payment_records p`).
		WillReturnRows(sqlmock.NewRows([]string{"payment_id", "payment_intent_id", "mentor_id", "attempted_at", "last_step"}).
			AddRow("pay_1", "pi_1", "mentor_1", attempted, "BOOKING_ATTEMPTED"))

	stuck, err := store.ListStuck(context.Background(), time.Now().Add(-time.Minute), 10)

	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "pay_1", stuck[0].PaymentID)
	assert.Equal(t, "pi_1", stuck[0].PaymentIntentID)
	assert.Equal(t, "BOOKING_ATTEMPTED", stuck[0].LastStep)
	assert.NoError(t, mock.ExpectationsWereMet())
}
