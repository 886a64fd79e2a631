package amplitude

import (
	"bytes"
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"time"

	"github.com/padak/keboola-amplitude/pkg/errors"
	jsonx "github.com/padak/keboola-amplitude/pkg/json"
)

// EventRecord is a single analytics event: user/device id, event type,
// timestamp and arbitrary properties. Events are passed through to the
// remote API without field-level interpretation.
type EventRecord map[string]interface{}

// PropertyUpdate is a single Identify API record: a user identifier plus
// a mapping of property operations ($set, $add, ...). It is the unit of
// batching and of the per-user hourly quota.
type PropertyUpdate map[string]interface{}

// UserKey returns the identifier the per-user quota is tracked against:
// user_id when present, device_id otherwise.
func (p PropertyUpdate) UserKey() string {
	if id, ok := p["user_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := p["device_id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// ProfileQueryParams selects the user and the profile sections to fetch.
type ProfileQueryParams struct {
	UserID   string
	DeviceID string

	// Section toggles, mapped to get_recs / get_amp_props / get_cohort_ids
	GetRecommendations bool
	GetAmpProps        bool
	GetCohortIDs       bool
}

// Validation errors surfaced before any network call. Callers match with
// errors.Is.
var (
	// ErrPayloadTooLarge indicates a serialized payload over the endpoint limit
	ErrPayloadTooLarge = stderrors.New("payload too large")
	// ErrTooManyItems indicates an item count over the endpoint limit
	ErrTooManyItems = stderrors.New("too many items")
	// ErrInvalidTimeFormat indicates an export bound not matching YYYYMMDDTHH
	ErrInvalidTimeFormat = stderrors.New("invalid time format")
	// ErrMissingIdentifier indicates a profile query with neither user_id nor device_id
	ErrMissingIdentifier = stderrors.New("user_id or device_id is required")
)

const userAgent = "keboola-amplitude-connector/1.0"

// Request is an opaque, ready-to-send request description. It is built
// fresh for every call; there is no shared mutable header state.
type Request struct {
	Operation Operation
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
}

// httpRequest materializes the description into an *http.Request.
func (r *Request) httpRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create HTTP request")
	}
	req.Header = r.Header.Clone()
	return req, nil
}

// requestDraft accumulates the pieces of a request before finalization.
type requestDraft struct {
	endpoint Endpoint
	header   http.Header
	query    url.Values
	bodyJSON map[string]interface{}
	form     url.Values
}

// newDraft resolves the endpoint and starts a fresh draft with the headers
// every Amplitude request carries.
func newDraft(op Operation, region Region) (*requestDraft, error) {
	ep, err := Describe(op, region)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set("Accept", "application/json")
	header.Set("User-Agent", userAgent)

	return &requestDraft{
		endpoint: ep,
		header:   header,
		query:    make(url.Values),
		bodyJSON: make(map[string]interface{}),
		form:     make(url.Values),
	}, nil
}

// finalize applies auth, serializes the body per the endpoint's encoding,
// enforces the payload size limit, and produces the opaque Request.
// Content-Type is attached here and only here: JSON and form bodies get
// their exact media type, GET requests get none.
func (d *requestDraft) finalize(creds Credentials) (*Request, error) {
	if err := applyAuth(d.endpoint.AuthScheme, creds, d); err != nil {
		return nil, err
	}

	var body []byte
	switch d.endpoint.Encoding {
	case EncodingJSON:
		buf, err := jsonx.MarshalToBuffer(d.bodyJSON)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize request body")
		}
		// Encode appends a trailing newline; drop it so the size check is exact
		body = bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
		body = append([]byte(nil), body...)
		jsonx.PutBuffer(buf)
		d.header.Set("Content-Type", "application/json")

	case EncodingForm:
		body = []byte(d.form.Encode())
		d.header.Set("Content-Type", "application/x-www-form-urlencoded")

	case EncodingNone:
		// GET operations carry no body and no Content-Type
	}

	if max := d.endpoint.MaxPayloadBytes; max > 0 && len(body) > max {
		return nil, errors.Wrap(ErrPayloadTooLarge, errors.ErrorTypeValidation,
			"serialized payload exceeds endpoint limit").
			WithDetail("payload_size_bytes", len(body)).
			WithDetail("max_size_bytes", max).
			WithDetail("operation", d.endpoint.Operation.String())
	}

	urlStr := d.endpoint.URL
	if len(d.query) > 0 {
		urlStr += "?" + d.query.Encode()
	}

	return &Request{
		Operation: d.endpoint.Operation,
		Method:    d.endpoint.Method,
		URL:       urlStr,
		Header:    d.header,
		Body:      body,
	}, nil
}

// buildUploadRequest builds an IngestWrite or BatchUpload request from
// pre-encoded event records. The count limit is enforced here, the byte
// limit in finalize.
func buildUploadRequest(op Operation, region Region, creds Credentials, events []jsonRaw) (*Request, error) {
	d, err := newDraft(op, region)
	if err != nil {
		return nil, err
	}

	if max := d.endpoint.MaxEvents; max > 0 && len(events) > max {
		return nil, errors.Wrap(ErrTooManyItems, errors.ErrorTypeValidation,
			"event count exceeds endpoint limit").
			WithDetail("events_count", len(events)).
			WithDetail("max_events", max).
			WithDetail("operation", op.String())
	}

	d.bodyJSON["events"] = rawSlice(events)

	return d.finalize(creds)
}

// buildIdentifyRequest builds an IdentifyUpdate request. The identification
// parameter is a JSON array encoded as a form field, not a JSON body.
func buildIdentifyRequest(region Region, creds Credentials, updates []jsonRaw) (*Request, error) {
	d, err := newDraft(IdentifyUpdate, region)
	if err != nil {
		return nil, err
	}

	if max := d.endpoint.MaxEvents; max > 0 && len(updates) > max {
		return nil, errors.Wrap(ErrTooManyItems, errors.ErrorTypeValidation,
			"identification count exceeds endpoint limit").
			WithDetail("updates_count", len(updates)).
			WithDetail("max_events", max)
	}

	identification, err := jsonx.Marshal(rawSlice(updates))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize identification")
	}
	d.form.Set("identification", string(identification))

	return d.finalize(creds)
}

// buildExportRequest builds an ExportRange request. Start and end must match
// the exact lexical pattern YYYYMMDDTHH; the format is deliberately distinct
// from ISO-8601 and is validated, never auto-converted.
func buildExportRequest(region Region, creds Credentials, start, end string) (*Request, error) {
	d, err := newDraft(ExportRange, region)
	if err != nil {
		return nil, err
	}

	for _, bound := range []struct{ label, value string }{
		{"start", start},
		{"end", end},
	} {
		if !validTimeFormat(bound.value) {
			return nil, errors.Wrap(ErrInvalidTimeFormat, errors.ErrorTypeValidation,
				"expected YYYYMMDDTHH (e.g. 20250101T00)").
				WithDetail("parameter", bound.label).
				WithDetail("provided", bound.value)
		}
	}

	d.query.Set("start", start)
	d.query.Set("end", end)

	return d.finalize(creds)
}

// buildProfileRequest builds a ProfileQuery request.
func buildProfileRequest(region Region, creds Credentials, params ProfileQueryParams) (*Request, error) {
	if params.UserID == "" && params.DeviceID == "" {
		return nil, errors.Wrap(ErrMissingIdentifier, errors.ErrorTypeValidation,
			"profile query needs at least one identifier")
	}

	d, err := newDraft(ProfileQuery, region)
	if err != nil {
		return nil, err
	}

	if params.UserID != "" {
		d.query.Set("user_id", params.UserID)
	}
	if params.DeviceID != "" {
		d.query.Set("device_id", params.DeviceID)
	}
	if params.GetRecommendations {
		d.query.Set("get_recs", "true")
	}
	if params.GetAmpProps {
		d.query.Set("get_amp_props", "true")
	}
	if params.GetCohortIDs {
		d.query.Set("get_cohort_ids", "true")
	}

	return d.finalize(creds)
}

// validTimeFormat reports whether s matches YYYYMMDDTHH exactly: 8 digits,
// a literal 'T', 2 digits, with a real calendar date and hour 00-23.
func validTimeFormat(s string) bool {
	if len(s) != 11 || s[8] != 'T' {
		return false
	}
	for i, c := range s {
		if i == 8 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	if _, err := time.Parse("20060102", s[:8]); err != nil {
		return false
	}
	hour := int(s[9]-'0')*10 + int(s[10]-'0')
	return hour <= 23
}

// jsonRaw is a pre-encoded JSON value. Events are encoded once, then reused
// for size accounting in the chunker and for the final request body.
type jsonRaw []byte

// MarshalJSON writes the raw encoding verbatim.
func (r jsonRaw) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// rawSlice adapts []jsonRaw for marshaling as a JSON array.
func rawSlice(items []jsonRaw) []jsonRaw {
	if items == nil {
		return []jsonRaw{}
	}
	return items
}

// encodeItems serializes a slice of records to raw JSON values.
func encodeItems[T any](items []T) ([]jsonRaw, error) {
	encoded := make([]jsonRaw, 0, len(items))
	for _, item := range items {
		data, err := jsonx.Marshal(item)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to serialize record")
		}
		encoded = append(encoded, jsonRaw(bytes.TrimSuffix(data, []byte("\n"))))
	}
	return encoded, nil
}
