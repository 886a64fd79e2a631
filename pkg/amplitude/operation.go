// Package amplitude implements the request/response adaptation layer for the
// five Amplitude Analytics APIs.
//
// Each remote endpoint uses a different combination of authentication scheme,
// body encoding, and payload limits:
//
//	HTTP V2 API      event ingestion, JSON body, api_key in body, 1 MB
//	Batch Upload API large-scale ingestion, JSON body, api_key in body, 20 MB
//	Identify API     user property updates, form-encoded, api_key in form
//	Export API       bulk event export, GET, Basic auth (api_key:secret_key)
//	User Profile API profile queries, GET, "Api-Key" Authorization header
//
// The endpoint matrix is a closed set: every dispatch site switches over
// Operation so a new endpoint cannot be added without updating all of them.
package amplitude

import (
	stderrors "errors"
	"net/http"

	"github.com/padak/keboola-amplitude/pkg/errors"
)

// Operation identifies one of the five Amplitude API operations.
type Operation int

const (
	// IngestWrite is the HTTP V2 event ingestion API
	IngestWrite Operation = iota
	// BatchUpload is the Batch Event Upload API
	BatchUpload
	// IdentifyUpdate is the Identify API for user property updates
	IdentifyUpdate
	// ExportRange is the raw event Export API
	ExportRange
	// ProfileQuery is the User Profile API
	ProfileQuery
)

// String returns the operation name used in logs and metrics labels.
func (op Operation) String() string {
	switch op {
	case IngestWrite:
		return "ingest_write"
	case BatchUpload:
		return "batch_upload"
	case IdentifyUpdate:
		return "identify_update"
	case ExportRange:
		return "export_range"
	case ProfileQuery:
		return "profile_query"
	default:
		return "unknown"
	}
}

// Region selects the geographic endpoint variant.
type Region string

const (
	// RegionUS is the standard (US-resident) endpoint set
	RegionUS Region = "us"
	// RegionEU is the EU-resident endpoint set
	RegionEU Region = "eu"
)

// BodyEncoding describes how a request payload is serialized.
type BodyEncoding int

const (
	// EncodingNone means the operation carries no body (GET)
	EncodingNone BodyEncoding = iota
	// EncodingJSON means the body is a JSON object
	EncodingJSON
	// EncodingForm means the body is application/x-www-form-urlencoded
	EncodingForm
)

// Endpoint is the immutable descriptor for one operation in one region.
// The auth scheme is fixed at registry-definition time and never inferred
// at call time.
type Endpoint struct {
	Operation       Operation
	Method          string
	URL             string
	AuthScheme      AuthScheme
	Encoding        BodyEncoding
	MaxPayloadBytes int
	MaxEvents       int
}

// Sentinel errors for registry lookups. Callers match with errors.Is.
var (
	// ErrUnsupportedRegion indicates a region absent from the endpoint map
	ErrUnsupportedRegion = stderrors.New("unsupported region")
	// ErrRegionUnavailable indicates an operation with no endpoint in the
	// requested region (User Profile API has no EU variant)
	ErrRegionUnavailable = stderrors.New("region unavailable for operation")
)

// Payload ceilings are the vendor's decimal megabytes, not binary: a body
// of 1,000,001 bytes is already over the ingest limit.
const (
	maxPayloadIngest   = 1_000_000
	maxPayloadBatch    = 20_000_000
	maxPayloadIdentify = 1_000_000
	maxEventsPerUpload = 2000
)

// endpointURLs maps each operation to its regional base URLs. The User
// Profile API deliberately has no EU entry.
var endpointURLs = map[Operation]map[Region]string{
	IngestWrite: {
		RegionUS: "https://api2.amplitude.com/2/httpapi",
		RegionEU: "https://api.eu.amplitude.com/2/httpapi",
	},
	BatchUpload: {
		RegionUS: "https://api2.amplitude.com/batch",
		RegionEU: "https://api.eu.amplitude.com/batch",
	},
	IdentifyUpdate: {
		RegionUS: "https://api2.amplitude.com/identify",
		RegionEU: "https://api.eu.amplitude.com/identify",
	},
	ExportRange: {
		RegionUS: "https://amplitude.com/api/2/export",
		RegionEU: "https://analytics.eu.amplitude.com/api/2/export",
	},
	ProfileQuery: {
		RegionUS: "https://profile-api.amplitude.com/v1/userprofile",
	},
}

// descriptors holds the region-independent part of each endpoint contract.
var descriptors = map[Operation]Endpoint{
	IngestWrite: {
		Operation:       IngestWrite,
		Method:          http.MethodPost,
		AuthScheme:      AuthBodyAPIKey,
		Encoding:        EncodingJSON,
		MaxPayloadBytes: maxPayloadIngest,
		MaxEvents:       maxEventsPerUpload,
	},
	BatchUpload: {
		Operation:       BatchUpload,
		Method:          http.MethodPost,
		AuthScheme:      AuthBodyAPIKey,
		Encoding:        EncodingJSON,
		MaxPayloadBytes: maxPayloadBatch,
		MaxEvents:       maxEventsPerUpload,
	},
	IdentifyUpdate: {
		Operation:       IdentifyUpdate,
		Method:          http.MethodPost,
		AuthScheme:      AuthFormAPIKey,
		Encoding:        EncodingForm,
		MaxPayloadBytes: maxPayloadIdentify,
		MaxEvents:       maxEventsPerUpload,
	},
	ExportRange: {
		Operation:  ExportRange,
		Method:     http.MethodGet,
		AuthScheme: AuthBasicPair,
		Encoding:   EncodingNone,
	},
	ProfileQuery: {
		Operation:  ProfileQuery,
		Method:     http.MethodGet,
		AuthScheme: AuthHeaderAPIKeySecret,
		Encoding:   EncodingNone,
	},
}

// Describe resolves the endpoint descriptor for an operation in a region.
// It is a pure lookup with no side effects.
func Describe(op Operation, region Region) (Endpoint, error) {
	urls, ok := endpointURLs[op]
	if !ok {
		return Endpoint{}, errors.Newf(errors.ErrorTypeConfig, "unknown operation %q", op.String())
	}

	url, ok := urls[region]
	if !ok {
		if op == ProfileQuery {
			return Endpoint{}, errors.Wrap(ErrRegionUnavailable, errors.ErrorTypeConfig,
				"the User Profile API has no EU endpoint").
				WithDetail("operation", op.String()).
				WithDetail("region", string(region))
		}
		return Endpoint{}, errors.Wrap(ErrUnsupportedRegion, errors.ErrorTypeConfig,
			"no endpoint for region").
			WithDetail("operation", op.String()).
			WithDetail("region", string(region))
	}

	ep := descriptors[op]
	ep.URL = url
	return ep, nil
}
