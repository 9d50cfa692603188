package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBookingRequest() models.BookingRequest {
	return models.BookingRequest{
		MentorID:         "mentor_1",
		SchedulingUserID: "77",
		EventTypeID:      123,
		StartTime:        time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		TimeZone:         "Europe/Berlin",
		AttendeeName:     "Ada Lovelace",
		AttendeeEmail:    "ada@example.com",
		Notes:            "career chat",
	}
}

func TestSchedulingClient_CreateBooking(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/bookings", r.URL.Path)
		assert.Equal(t, "Bearer access_1", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-08-13", r.Header.Get("cal-api-version"))

		var body calCreateBookingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-03-10T15:00:00Z", body.Start)
		assert.Equal(t, int64(123), body.EventTypeID)
		assert.Equal(t, "ada@example.com", body.Attendee.Email)
		assert.Equal(t, "Europe/Berlin", body.Attendee.TimeZone)
		assert.Equal(t, "pay_1", body.Metadata["payment_id"])
		assert.Equal(t, "career chat", body.BookingFieldsResponses["notes"])

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"success","data":{"id":42,"uid":"uid-42","status":"accepted"}}`))
	}))
	defer server.Close()

	client := CreateSchedulingClient(SchedulingClientConfig{BaseURL: server.URL, APIVersion: "2024-08-13"})
	booking, err := client.CreateBooking(context.Background(), "access_1", testBookingRequest(), "pay_1")

	require.NoError(t, err)
	assert.Equal(t, int64(42), booking.ID)
	assert.Equal(t, "uid-42", booking.UID)
}

func TestSchedulingClient_CreateBooking_Errors(t *testing.T) {
	cases := []struct {
		status int
		kind   utils.ErrorKind
	}{
		{http.StatusBadRequest, utils.KindValidation},
		{http.StatusUnauthorized, utils.KindAuthentication},
		{http.StatusTooManyRequests, utils.KindTransient},
		{http.StatusBadGateway, utils.KindTransient},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"status":"error","error":{"code":"X","message":"nope"}}`))
			}))
			defer server.Close()

			client := CreateSchedulingClient(SchedulingClientConfig{BaseURL: server.URL})
			_, err := client.CreateBooking(context.Background(), "access_1", testBookingRequest(), "pay_1")

			require.Error(t, err)
			assert.Equal(t, tc.kind, utils.KindOf(err))
		})
	}
}

func TestSchedulingClient_CreateBooking_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := CreateSchedulingClient(SchedulingClientConfig{BaseURL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.CreateBooking(ctx, "access_1", testBookingRequest(), "pay_1")

	require.Error(t, err)
	assert.True(t, utils.IsRetryableError(err))
}
