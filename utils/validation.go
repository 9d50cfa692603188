package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	var messages []string
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

// Collect appends the non-nil results and returns nil when nothing failed.
func Collect(results ...*ValidationError) error {
	var out ValidationErrors
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func ValidateRequired(value, fieldName string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	return nil
}

func ValidateAmount(amount int64, fieldName string) *ValidationError {
	if amount <= 0 {
		return &ValidationError{Field: fieldName, Message: "must be greater than 0"}
	}
	if amount > 100000000 {
		return &ValidationError{Field: fieldName, Message: "must be less than 100,000,000"}
	}
	return nil
}

// ParseMinorUnits parses a non-negative integer amount such as "4500".
func ParseMinorUnits(value, fieldName string) (int64, *ValidationError) {
	if strings.TrimSpace(value) == "" {
		return 0, &ValidationError{Field: fieldName, Message: "is required"}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, &ValidationError{Field: fieldName, Message: "must be a non-negative integer amount in minor units"}
	}
	return n, nil
}

func ValidateCurrency(currency, fieldName string) *ValidationError {
	if currency == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if len(currency) != 3 {
		return &ValidationError{Field: fieldName, Message: "must be a 3-letter ISO currency code"}
	}
	return nil
}

func ValidateEmail(email, fieldName string) *ValidationError {
	if email == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if !emailRegex.MatchString(email) {
		return &ValidationError{Field: fieldName, Message: "is not a valid email address"}
	}
	return nil
}

func ParseTimestamp(value, fieldName string) (time.Time, *ValidationError) {
	if value == "" {
		return time.Time{}, &ValidationError{Field: fieldName, Message: "is required"}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, &ValidationError{Field: fieldName, Message: "must be an RFC3339 timestamp"}
	}
	return t.UTC(), nil
}

func ValidateTimeZone(tz, fieldName string) *ValidationError {
	if tz == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return &ValidationError{Field: fieldName, Message: "is not a known IANA time zone"}
	}
	return nil
}

func ParsePositiveInt(value, fieldName string) (int64, *ValidationError) {
	if value == "" {
		return 0, &ValidationError{Field: fieldName, Message: "is required"}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return 0, &ValidationError{Field: fieldName, Message: "must be a positive integer"}
	}
	return n, nil
}
