package amplitude

import (
	stderrors "errors"

	"github.com/padak/keboola-amplitude/pkg/errors"
	jsonx "github.com/padak/keboola-amplitude/pkg/json"
)

// ErrMalformedResponse indicates a 2xx response body missing required
// fields. Write-ack parsing treats this as fatal since there is no safe
// partial interpretation of a half-present acknowledgement.
var ErrMalformedResponse = stderrors.New("malformed response")

// WriteAck is the normalized acknowledgement of the ingestion APIs.
type WriteAck struct {
	Code             int   `json:"code"`
	EventsIngested   int   `json:"events_ingested"`
	PayloadSizeBytes int   `json:"payload_size_bytes"`
	ServerUploadTime int64 `json:"server_upload_time"`
}

// writeAckWire mirrors the upload response with pointer fields so that
// absent keys are distinguishable from zero values.
type writeAckWire struct {
	Code             *int   `json:"code"`
	EventsIngested   *int   `json:"events_ingested"`
	PayloadSizeBytes *int   `json:"payload_size_bytes"`
	ServerUploadTime *int64 `json:"server_upload_time"`
}

// parseWriteAck parses an IngestWrite or BatchUpload success body.
func parseWriteAck(op Operation, body []byte) (*WriteAck, error) {
	var wire writeAckWire
	if err := jsonx.Unmarshal(body, &wire); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, errors.ErrorTypeData,
			"upload response is not a JSON object").
			WithDetail("operation", op.String()).
			WithDetail("parse_error", err.Error())
	}

	missing := ""
	switch {
	case wire.Code == nil:
		missing = "code"
	case wire.EventsIngested == nil:
		missing = "events_ingested"
	case wire.PayloadSizeBytes == nil:
		missing = "payload_size_bytes"
	case wire.ServerUploadTime == nil:
		missing = "server_upload_time"
	}
	if missing != "" {
		return nil, errors.Wrap(ErrMalformedResponse, errors.ErrorTypeData,
			"upload response missing required field").
			WithDetail("operation", op.String()).
			WithDetail("field", missing)
	}

	return &WriteAck{
		Code:             *wire.Code,
		EventsIngested:   *wire.EventsIngested,
		PayloadSizeBytes: *wire.PayloadSizeBytes,
		ServerUploadTime: *wire.ServerUploadTime,
	}, nil
}

// ProfileRecord is the normalized User Profile API result, unwrapped from
// the response's single top-level "userData" object.
type ProfileRecord struct {
	UserID          string                   `json:"user_id"`
	DeviceID        string                   `json:"device_id"`
	AmpProps        map[string]interface{}   `json:"amp_props"`
	CohortIDs       []string                 `json:"cohort_ids"`
	Propensities    []map[string]interface{} `json:"propensities"`
	Recommendations []map[string]interface{} `json:"recommendations"`
}

// profileWire carries the userData wrapper.
type profileWire struct {
	UserData *ProfileRecord `json:"userData"`
}

// parseProfile parses a ProfileQuery success body.
func parseProfile(body []byte) (*ProfileRecord, error) {
	var wire profileWire
	if err := jsonx.Unmarshal(body, &wire); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, errors.ErrorTypeData,
			"profile response is not a JSON object").
			WithDetail("parse_error", err.Error())
	}

	if wire.UserData == nil {
		return nil, errors.Wrap(ErrMalformedResponse, errors.ErrorTypeData,
			"profile response missing userData wrapper")
	}

	return wire.UserData, nil
}

// IdentifyResult reports the outcome of a single property update.
type IdentifyResult struct {
	// Index is the position of the update in the caller's input slice
	Index int
	// UserKey is the identifier the update was tracked against
	UserKey string
	// Err is nil on success. Quota rejections carry ErrQuotaExceeded and
	// never reached the network.
	Err error
}
