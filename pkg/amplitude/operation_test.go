package amplitude

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeResolvesAllOperations(t *testing.T) {
	tests := []struct {
		name   string
		op     Operation
		region Region
		url    string
		method string
		auth   AuthScheme
	}{
		{"ingest US", IngestWrite, RegionUS, "https://api2.amplitude.com/2/httpapi", http.MethodPost, AuthBodyAPIKey},
		{"ingest EU", IngestWrite, RegionEU, "https://api.eu.amplitude.com/2/httpapi", http.MethodPost, AuthBodyAPIKey},
		{"batch US", BatchUpload, RegionUS, "https://api2.amplitude.com/batch", http.MethodPost, AuthBodyAPIKey},
		{"batch EU", BatchUpload, RegionEU, "https://api.eu.amplitude.com/batch", http.MethodPost, AuthBodyAPIKey},
		{"identify US", IdentifyUpdate, RegionUS, "https://api2.amplitude.com/identify", http.MethodPost, AuthFormAPIKey},
		{"export US", ExportRange, RegionUS, "https://amplitude.com/api/2/export", http.MethodGet, AuthBasicPair},
		{"export EU", ExportRange, RegionEU, "https://analytics.eu.amplitude.com/api/2/export", http.MethodGet, AuthBasicPair},
		{"profile US", ProfileQuery, RegionUS, "https://profile-api.amplitude.com/v1/userprofile", http.MethodGet, AuthHeaderAPIKeySecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := Describe(tt.op, tt.region)
			require.NoError(t, err)
			assert.Equal(t, tt.url, ep.URL)
			assert.Equal(t, tt.method, ep.Method)
			assert.Equal(t, tt.auth, ep.AuthScheme)
		})
	}
}

func TestDescribeProfileQueryHasNoEUEndpoint(t *testing.T) {
	_, err := Describe(ProfileQuery, RegionEU)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegionUnavailable))
}

func TestDescribeUnknownRegion(t *testing.T) {
	_, err := Describe(IngestWrite, Region("apac"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedRegion))
}

func TestPayloadLimits(t *testing.T) {
	ingest, err := Describe(IngestWrite, RegionUS)
	require.NoError(t, err)
	batch, err := Describe(BatchUpload, RegionUS)
	require.NoError(t, err)

	// Decimal megabytes: exactly one million bytes is the last valid
	// ingest body, one byte more is over
	assert.Equal(t, 1_000_000, ingest.MaxPayloadBytes)
	assert.Equal(t, 20_000_000, batch.MaxPayloadBytes)
	assert.Equal(t, 2000, ingest.MaxEvents)
	assert.Equal(t, 2000, batch.MaxEvents)
}
