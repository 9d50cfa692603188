package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/utils"
	"golang.org/x/time/rate"
)

// SchedulingClient talks to the Cal.com v2 API. All calls share one rate
// limiter so a burst of redeliveries cannot exceed the platform quota.
type SchedulingClient struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type SchedulingClientConfig struct {
	BaseURL    string
	APIVersion string
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

func CreateSchedulingClient(cfg SchedulingClientConfig) *SchedulingClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &SchedulingClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

type calAttendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
	Language string `json:"language,omitempty"`
}

type calCreateBookingRequest struct {
	Start                  string            `json:"start"`
	EventTypeID            int64             `json:"eventTypeId"`
	Attendee               calAttendee       `json:"attendee"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	BookingFieldsResponses map[string]string `json:"bookingFieldsResponses,omitempty"`
}

type calEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateBooking books the slot on the mentor's calendar. The payment id is
// carried in the booking metadata so the scheduling webhook can link back.
func (c *SchedulingClient) CreateBooking(ctx context.Context, accessToken string, req models.BookingRequest, paymentID string) (*models.CreatedBooking, error) {
	body := calCreateBookingRequest{
		Start:       req.StartTime.UTC().Format(time.RFC3339),
		EventTypeID: req.EventTypeID,
		Attendee: calAttendee{
			Name:     req.AttendeeName,
			Email:    req.AttendeeEmail,
			TimeZone: req.TimeZone,
			Language: req.Language,
		},
		Metadata: map[string]string{"payment_id": paymentID},
	}
	if req.Notes != "" {
		body.BookingFieldsResponses = map[string]string{"notes": req.Notes}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+accessToken)

	data, err := c.doRequest(ctx, "scheduling.create_booking", http.MethodPost, "/v2/bookings", headers, body)
	if err != nil {
		return nil, err
	}

	var booking models.CreatedBooking
	if err := json.Unmarshal(data, &booking); err != nil {
		return nil, utils.TransientFailure("scheduling.create_booking", fmt.Errorf("failed to decode booking: %w", err))
	}
	if booking.UID == "" {
		return nil, utils.TransientFailure("scheduling.create_booking", errors.New("booking response missing uid"))
	}
	return &booking, nil
}

func (c *SchedulingClient) doRequest(ctx context.Context, op, method, path string, headers http.Header, body interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, utils.TransientFailure(op, err)
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("cal-api-version", c.apiVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.TransientFailure(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, utils.TransientFailure(op, fmt.Errorf("failed to read response: %w", err))
	}

	var env calEnvelope
	_ = json.Unmarshal(respBody, &env)

	if resp.StatusCode >= 400 || env.Status == "error" {
		return nil, classifyHTTPError(op, resp.StatusCode, env, respBody)
	}
	return env.Data, nil
}

func classifyHTTPError(op string, status int, env calEnvelope, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	if env.Error != nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	err := fmt.Errorf("scheduling API error (status %d): %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return utils.AuthenticationFailure(op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return utils.TransientFailure(op, err)
	default:
		return utils.ValidationFailure(op, "%v", err)
	}
}
