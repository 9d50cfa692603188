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

func testPayment() *models.PaymentRecord {
	return &models.PaymentRecord{
		ExternalPaymentIntentID:   "pi_1",
		ExternalCheckoutSessionID: "cs_1",
		MentorID:                  "mentor_1",
		CustomerID:                "cust_1",
		Amount:                    5000,
		Currency:                  "usd",
		MentorFee:                 4500,
		PlatformFee:               500,
		MentorPayoutAmount:        4500,
		PlatformStatus:            models.PlatformStatusSucceeded,
		DisputePeriodEnd:          time.Now().Add(7 * 24 * time.Hour),
	}
}

func TestPaymentStore_InsertIfAbsent_FirstDelivery(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	mock.ExpectQuery(`INSERT INTO "payment_records" .* ON CONFLICT \("external_payment_intent_id"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pay_1"))

	payment := testPayment()
	inserted, err := store.InsertIfAbsent(context.Background(), payment)

	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "pay_1", payment.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_InsertIfAbsent_Replay(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	mock.ExpectQuery(`INSERT INTO "payment_records"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err := store.InsertIfAbsent(context.Background(), testPayment())

	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_AdvanceStatus_OnlyFromPredecessors(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	mock.ExpectExec(`UPDATE "payment_records" SET .* WHERE id = \$\d+ AND platform_status IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "payment_records" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.AdvanceStatus(context.Background(), "pay_1", models.PlatformStatusFailed,
		map[string]interface{}{"refund_id": "re_1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AdvanceStatus(context.Background(), "pay_1", models.PlatformStatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_AdvanceStatus_ToPendingIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	ok, err := store.AdvanceStatus(context.Background(), "pay_1", models.PlatformStatusPending, nil)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	mock.ExpectQuery(`SELECT \* FROM "payment_records" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetByID(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_MarkDispatched(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	mock.ExpectExec(`UPDATE "payment_records" SET "dispatched_at"=\$1,"updated_at"=\$2 WHERE id = \$3 AND dispatched_at IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkDispatched(context.Background(), "pay_1", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_ClaimDispatch(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)
	now := time.Now()

	mock.ExpectExec(`UPDATE "payment_records" SET "dispatch_claimed_at"=\$1,"updated_at"=\$2 WHERE .*id = \$3 AND dispatched_at IS NULL AND \(dispatch_claimed_at IS NULL OR dispatch_claimed_at < \$4\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "pay_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "payment_records" SET "dispatch_claimed_at"=`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := store.ClaimDispatch(context.Background(), "pay_1", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimDispatch(context.Background(), "pay_1", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentStore_ReleaseDispatch(t *testing.T) {
	db, mock := newMockDB(t)
	store := CreatePaymentStore(db)

	mock.ExpectExec(`UPDATE "payment_records" SET "dispatch_claimed_at"=NULL,"updated_at"=\$1 WHERE id = \$2 AND dispatched_at IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ReleaseDispatch(context.Background(), "pay_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
