package event

import (
	"errors"
	"math"
	"strings"
	"time"
)

func init() {
	Register(TypeUsageRecorded, func() Event { return &UsageEvent{} })
}

// UnitType is the unit a usage amount is measured in.
type UnitType string

const (
	UnitToken   UnitType = "token"
	UnitRequest UnitType = "request"
)

// Valid reports whether u is a known unit type.
func (u UnitType) Valid() bool {
	return u == UnitToken || u == UnitRequest
}

// Usage detail keys that are always populated from the input.
const (
	DetailService      = "service"
	DetailInputTokens  = "input_tokens"
	DetailOutputTokens = "output_tokens"
	DetailInputUnits   = "input_units"
)

var (
	// ErrNoUsageMetrics is returned when neither a token pair nor a unit
	// count was supplied.
	ErrNoUsageMetrics = errors.New("no usage metrics supplied")
	// ErrNegativeUsage is returned for negative token or unit counts.
	ErrNegativeUsage = errors.New("usage must not be negative")
)

// UsageInput describes resources consumed by one operation. Either the
// token pair or the unit count must be set.
type UsageInput struct {
	UserID       string         `json:"user_id"`
	ProductID    string         `json:"product_id,omitempty"`
	Service      string         `json:"service"`
	InputTokens  *int64         `json:"input_tokens,omitempty"`
	OutputTokens *int64         `json:"output_tokens,omitempty"`
	InputUnits   *float64       `json:"input_units,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// WithTokens returns a copy of u carrying the input/output token pair.
func (u UsageInput) WithTokens(input, output int64) UsageInput {
	u.InputTokens = &input
	u.OutputTokens = &output
	return u
}

// WithUnits returns a copy of u carrying an input unit count.
func (u UsageInput) WithUnits(units float64) UsageInput {
	u.InputUnits = &units
	return u
}

// UsageEvent is the billing record emitted after an operation consumed
// resources.
type UsageEvent struct {
	UserID       string         `json:"user_id"`
	ProductID    string         `json:"product_id"`
	UsageAmount  float64        `json:"usage_amount"`
	UnitType     UnitType       `json:"unit_type"`
	UsageDetails map[string]any `json:"usage_details"`
	Timestamp    string         `json:"timestamp"`
}

// NewUsageEvent builds a usage event from in. Both tokens present selects
// the token branch; otherwise a unit count selects the request branch;
// otherwise ErrNoUsageMetrics is returned.
func NewUsageEvent(in UsageInput, now time.Time) (*UsageEvent, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, invalid(TypeUsageRecorded, "user_id is required")
	}

	productID := strings.TrimSpace(in.ProductID)
	if productID == "" {
		productID = strings.ToLower(SubjectToken(in.Service))
	}
	if productID == "" {
		return nil, invalid(TypeUsageRecorded, "product_id or service is required")
	}

	details := make(map[string]any, len(in.Details)+3)
	for k, v := range in.Details {
		details[k] = v
	}
	details[DetailService] = in.Service

	ev := &UsageEvent{
		UserID:       in.UserID,
		ProductID:    productID,
		UsageDetails: details,
		Timestamp:    now.UTC().Format(TimestampLayout),
	}

	switch {
	case in.InputTokens != nil && in.OutputTokens != nil:
		if *in.InputTokens < 0 || *in.OutputTokens < 0 {
			return nil, ErrNegativeUsage
		}
		ev.UnitType = UnitToken
		ev.UsageAmount = float64(*in.InputTokens + *in.OutputTokens)
		details[DetailInputTokens] = *in.InputTokens
		details[DetailOutputTokens] = *in.OutputTokens
	case in.InputUnits != nil:
		if *in.InputUnits < 0 {
			return nil, ErrNegativeUsage
		}
		ev.UnitType = UnitRequest
		ev.UsageAmount = *in.InputUnits
		details[DetailInputUnits] = *in.InputUnits
	default:
		return nil, ErrNoUsageMetrics
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Type implements Event.
func (e *UsageEvent) Type() string { return TypeUsageRecorded }

// Subject implements Event.
func (e *UsageEvent) Subject() string { return UsageSubject(e.ProductID) }

// Validate implements Event.
func (e *UsageEvent) Validate() error {
	switch {
	case e.UserID == "":
		return invalid(TypeUsageRecorded, "user_id is required")
	case SubjectToken(e.ProductID) == "":
		return invalid(TypeUsageRecorded, "product_id is required")
	case !e.UnitType.Valid():
		return invalid(TypeUsageRecorded, "unknown unit_type "+string(e.UnitType))
	case math.IsNaN(e.UsageAmount) || math.IsInf(e.UsageAmount, 0):
		return invalid(TypeUsageRecorded, "usage_amount is not a finite number")
	case e.UsageAmount < 0:
		return ErrNegativeUsage
	}
	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
			return invalid(TypeUsageRecorded, "timestamp is not ISO-8601")
		}
	}
	return nil
}

// OccurredAt parses the event timestamp, falling back to fallback when the
// timestamp is missing or malformed.
func (e *UsageEvent) OccurredAt(fallback time.Time) time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return fallback
	}
	return t
}
