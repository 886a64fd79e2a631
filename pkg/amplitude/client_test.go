package amplitude

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padak/keboola-amplitude/pkg/config"
	jsonx "github.com/padak/keboola-amplitude/pkg/json"
)

// doerFunc adapts a function to the httpDoer interface so tests can answer
// requests without a network.
type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Credentials.APIKey = "test-api-key"
	cfg.Credentials.SecretKey = "test-secret-key"
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 5 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, doer httpDoer) *Client {
	t.Helper()
	client, err := NewClient(testConfig())
	require.NoError(t, err)
	client.httpClient = doer
	return client
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	cfg := config.NewConfig()
	// No API key
	_, err := NewClient(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Region = "mars"
	_, err = NewClient(cfg)
	require.Error(t, err)
}

func TestSendEventsAggregatesAcrossBatches(t *testing.T) {
	var requests int32
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&requests, 1)

		// assert rather than require: this runs on the client's dispatch
		// goroutines where FailNow must not be called
		body, err := io.ReadAll(req.Body)
		assert.NoError(t, err)

		var payload struct {
			APIKey string        `json:"api_key"`
			Events []EventRecord `json:"events"`
		}
		assert.NoError(t, jsonx.Unmarshal(body, &payload))
		assert.Equal(t, "test-api-key", payload.APIKey)

		ack := fmt.Sprintf(`{"code":200,"events_ingested":%d,"payload_size_bytes":%d,"server_upload_time":1700000000000}`,
			len(payload.Events), len(body))
		return jsonResponse(200, ack), nil
	}))

	// Force multiple batches by exceeding the per-request count bound
	events := make([]EventRecord, maxEventsPerUpload+500)
	for i := range events {
		events[i] = EventRecord{"user_id": fmt.Sprintf("u%d", i), "event_type": "click"}
	}

	ack, err := client.SendEvents(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, len(events), ack.EventsIngested)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	assert.EqualValues(t, 1700000000000, ack.ServerUploadTime)
}

func TestSendEventsEmptyInput(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		t.Error("no request expected for empty input")
		return nil, nil
	}))

	ack, err := client.SendEvents(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ack.EventsIngested)
}

func TestSendEventsPropagatesFatalError(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(400, `{"code":400,"error":"missing event field"}`), nil
	}))

	_, err := client.SendEvents(context.Background(), []EventRecord{
		{"user_id": "u1", "event_type": "click"},
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrBadRequest))
}

func TestSendBatchUsesBatchEndpoint(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "https://api2.amplitude.com/batch", req.URL.String())
		return jsonResponse(200, `{"code":200,"events_ingested":1,"payload_size_bytes":10,"server_upload_time":1}`), nil
	}))

	_, err := client.SendBatch(context.Background(), []EventRecord{
		{"user_id": "u1", "event_type": "click"},
	})
	require.NoError(t, err)
}

func TestUpdateUserPropertiesPerItemResults(t *testing.T) {
	var mu sync.Mutex
	var dispatched int
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		dispatched++
		mu.Unlock()
		return jsonResponse(200, "success"), nil
	}))

	updates := []PropertyUpdate{
		{"user_id": "u1", "user_properties": map[string]interface{}{"$set": map[string]interface{}{"plan": "pro"}}},
		{"no_identifier": true},
		{"device_id": "d1", "user_properties": map[string]interface{}{"$add": map[string]interface{}{"logins": 1}}},
	}

	results, err := client.UpdateUserProperties(context.Background(), updates)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "u1", results[0].UserKey)

	require.Error(t, results[1].Err)
	assert.True(t, stderrors.Is(results[1].Err, ErrMissingIdentifier))

	assert.NoError(t, results[2].Err)
	assert.Equal(t, "d1", results[2].UserKey)

	assert.Equal(t, 1, dispatched)
	assert.Equal(t, 1, client.IdentifyQuotaUsed("u1"))
	assert.Equal(t, 1, client.IdentifyQuotaUsed("d1"))
}

func TestUpdateUserPropertiesQuotaRejection(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, "success"), nil
	}))

	// Exhaust the hourly budget for one user locally
	require.NoError(t, client.identifyQuota.Reserve("heavy-user", identifyUserQuota))

	results, err := client.UpdateUserProperties(context.Background(), []PropertyUpdate{
		{"user_id": "heavy-user"},
		{"user_id": "light-user"},
	})
	require.NoError(t, err)

	require.Error(t, results[0].Err)
	assert.True(t, stderrors.Is(results[0].Err, ErrQuotaExceeded))
	assert.NoError(t, results[1].Err)
}

func TestUpdateUserPropertiesReleasesQuotaOnFailure(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"error":"bad key"}`), nil
	}))

	results, err := client.UpdateUserProperties(context.Background(), []PropertyUpdate{
		{"user_id": "u1"},
	})
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	assert.True(t, stderrors.Is(results[0].Err, ErrAuthenticationFailed))

	// The failed dispatch does not consume quota
	assert.Equal(t, 0, client.IdentifyQuotaUsed("u1"))
}

func TestUpdateUserPropertiesSplitsByFormEncodedSize(t *testing.T) {
	var mu sync.Mutex
	var dispatched int
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		dispatched++
		mu.Unlock()

		// assert rather than require: this runs on the client's dispatch
		// goroutine, where FailNow is unsafe
		if assert.NoError(t, req.ParseForm()) {
			assert.LessOrEqual(t, len(req.PostForm.Encode()), maxPayloadIdentify)
		}
		return jsonResponse(200, "success"), nil
	}))

	// '=' is a single raw byte but URL-escapes to three (%3D), so each
	// update is ~250KB of raw JSON yet ~750KB on the wire. Both fit the
	// endpoint ceiling by raw size; only one fits form-encoded.
	heavy := strings.Repeat("=", 250_000)
	updates := []PropertyUpdate{
		{"user_id": "u1", "user_properties": map[string]interface{}{"$set": map[string]interface{}{"blob": heavy}}},
		{"user_id": "u2", "user_properties": map[string]interface{}{"$set": map[string]interface{}{"blob": heavy}}},
	}

	results, err := client.UpdateUserProperties(context.Background(), updates)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 2, dispatched)
}

func TestUpdateUserPropertiesEncodeFailureKeepsResultsAligned(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"error":"bad key"}`), nil
	}))

	updates := []PropertyUpdate{
		// NaN has no JSON encoding, so this update never reaches dispatch
		{"user_id": "u1", "user_properties": map[string]interface{}{"$set": map[string]interface{}{"bad": math.NaN()}}},
		{"user_id": "u2", "user_properties": map[string]interface{}{"$set": map[string]interface{}{"plan": "pro"}}},
	}

	results, err := client.UpdateUserProperties(context.Background(), updates)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Error(t, results[0].Err)
	assert.False(t, stderrors.Is(results[0].Err, ErrAuthenticationFailed))

	require.Error(t, results[1].Err)
	assert.True(t, stderrors.Is(results[1].Err, ErrAuthenticationFailed))

	// Neither the unencodable update nor the failed dispatch holds quota
	assert.Equal(t, 0, client.IdentifyQuotaUsed("u1"))
	assert.Equal(t, 0, client.IdentifyQuotaUsed("u2"))
}

func TestGetUserProfileParsesUserData(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Api-Key test-secret-key", req.Header.Get("Authorization"))
		assert.Equal(t, "u1", req.URL.Query().Get("user_id"))
		return jsonResponse(200, `{"userData":{"user_id":"u1","device_id":"d1","amp_props":{"plan":"pro"},"cohort_ids":["c1","c2"]}}`), nil
	}))

	record, err := client.GetUserProfile(context.Background(), ProfileQueryParams{UserID: "u1", GetAmpProps: true})
	require.NoError(t, err)
	assert.Equal(t, "u1", record.UserID)
	assert.Equal(t, "d1", record.DeviceID)
	assert.Equal(t, []string{"c1", "c2"}, record.CohortIDs)
	assert.Equal(t, "pro", record.AmpProps["plan"])
}

func TestGetUserProfileMalformedResponse(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"something_else":{}}`), nil
	}))

	_, err := client.GetUserProfile(context.Background(), ProfileQueryParams{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrMalformedResponse))
}

func TestExportEventsStreamsDecodedRecords(t *testing.T) {
	archive := buildExportArchive(t, map[string][]string{
		"export_0.json.gz": {
			`{"event_type":"first","user_id":"u1"}`,
			`{"event_type":"second","user_id":"u2"}`,
		},
	})

	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, req.Method)
		assert.NotEmpty(t, req.Header.Get("Authorization"))
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"application/zip"}},
			Body:       io.NopCloser(strings.NewReader(string(archive))),
		}, nil
	}))

	stream, err := client.ExportEvents(context.Background(), "20220201T05", "20220201T06")
	require.NoError(t, err)

	records, decodeErr := collectExport(t, stream)
	require.NoError(t, decodeErr)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0]["event_type"])
	assert.Equal(t, "second", records[1]["event_type"])
}

func TestExportEventsRejectsBadTimeFormat(t *testing.T) {
	client := newTestClient(t, doerFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no request expected for invalid bounds")
		return nil, nil
	}))

	_, err := client.ExportEvents(context.Background(), "2022-02-01", "20220201T06")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrInvalidTimeFormat))
}
