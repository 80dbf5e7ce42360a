// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sunstrong

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
)

//go:embed response_schema.json
var responseSchemaJSON []byte

var responseSchema = mustCompileSchema(responseSchemaJSON)

func mustCompileSchema(raw []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("sunstrong: invalid embedded response schema: %v", err))
	}
	return schema
}

// graphQLEnvelope is the outer GraphQL response. Data stays raw until the
// errors have been classified.
type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type graphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions"`
}

type currentPowerData struct {
	CurrentPower *currentPower `json:"currentPower"`
}

type currentPower struct {
	Production  flexNumber  `json:"production"`
	Consumption flexNumber  `json:"consumption"`
	Grid        flexNumber  `json:"grid"`
	Storage     *flexNumber `json:"storage"`
	Timestamp   flexNumber  `json:"timestamp"`
}

// flexNumber accepts a JSON number or a string holding one. The vendor has
// returned both forms for the same field.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return fmt.Errorf("unexpected null")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*n = flexNumber(v)
	return nil
}

// isAuthFailure reports whether any GraphQL error says the session is not
// authenticated.
func isAuthFailure(errs []graphQLError) bool {
	for _, e := range errs {
		if strings.Contains(e.Message, "UNAUTHENTICATED") || strings.Contains(e.Message, "Unauthorized") {
			return true
		}
		if code, ok := e.Extensions["code"].(string); ok && (code == "UNAUTHENTICATED" || code == "Unauthorized") {
			return true
		}
	}
	return false
}

func joinMessages(errs []graphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// maxTimestampMillis is 9999-12-31T23:59:59.999Z.
const maxTimestampMillis = 253402300799999

// decodeCurrentPower classifies and decodes a 2xx GraphQL body. The shape is
// checked against the embedded schema before any field is read, so an
// unexpected response fails instead of producing zero values.
func decodeCurrentPower(body []byte, siteKey string, polledAt time.Time) (*monitoring.Reading, error) {
	const op = "decode current power"

	var envelope graphQLEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperrors.NewParseError(op, fmt.Errorf("response is not JSON: %w", err))
	}

	if len(envelope.Errors) > 0 {
		err := fmt.Errorf("graphql errors: %s", joinMessages(envelope.Errors))
		if isAuthFailure(envelope.Errors) {
			return nil, apperrors.NewAuthError("fetch current power", 0, err)
		}
		return nil, apperrors.NewTransientError("fetch current power", 0, err)
	}

	result, err := responseSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, apperrors.NewParseError(op, fmt.Errorf("schema validation: %w", err))
	}
	if !result.Valid() {
		return nil, apperrors.NewParseError(op, formatSchemaErrors(result.Errors()))
	}

	var data currentPowerData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, apperrors.NewParseError(op, err)
	}
	if data.CurrentPower == nil {
		return nil, apperrors.NewParseError(op, fmt.Errorf("no currentPower in response"))
	}

	cp := data.CurrentPower
	if ts := float64(cp.Timestamp); !(ts > 0 && ts <= maxTimestampMillis) {
		return nil, apperrors.NewParseError(op, fmt.Errorf("timestamp %v out of range", ts))
	}
	reading := &monitoring.Reading{
		SiteKey:       siteKey,
		Timestamp:     time.UnixMilli(int64(cp.Timestamp)).UTC(),
		PolledAt:      polledAt,
		ProductionKW:  float64(cp.Production),
		ConsumptionKW: float64(cp.Consumption),
		GridKW:        float64(cp.Grid),
	}
	if cp.Storage != nil {
		reading.StorageKW = monitoring.Float64(float64(*cp.Storage))
	}
	return reading, nil
}

func formatSchemaErrors(errs []gojsonschema.ResultError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("unexpected response shape: %s", strings.Join(msgs, "; "))
}
