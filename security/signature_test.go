package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyWebhookSignature(t *testing.T) {
	secret := []byte("whsec_scheduling")
	payload := []byte(`{"triggerEvent":"BOOKING_CREATED"}`)
	valid := SignWebhookPayload(payload, secret)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		want      error
	}{
		{name: "valid", payload: payload, signature: valid},
		{name: "surrounding whitespace", payload: payload, signature: " " + valid + "\n"},
		{name: "missing", payload: payload, signature: "", want: ErrMissingSignature},
		{name: "not hex", payload: payload, signature: "zz-not-hex", want: ErrMalformedSignature},
		{name: "tampered payload", payload: []byte(`{"triggerEvent":"BOOKING_CANCELLED"}`), signature: valid, want: ErrSignatureMismatch},
		{name: "truncated", payload: payload, signature: valid[:32], want: ErrSignatureMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyWebhookSignature(tt.payload, tt.signature, secret)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
