package amplitude

import (
	"bytes"
	"context"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/padak/keboola-amplitude/pkg/config"
	"github.com/padak/keboola-amplitude/pkg/errors"
	"github.com/padak/keboola-amplitude/pkg/logger"
)

// Client is a thread-safe Amplitude API client. One client serves all five
// operations; create it once and share it.
type Client struct {
	cfg    *config.Config
	creds  Credentials
	region Region
	policy RetryPolicy

	httpClient httpDoer
	metrics    *Metrics
	logger     *zap.Logger

	// profileLimiter paces User Profile API lookups under the documented
	// per-minute ceiling; identifyQuota tracks the per-user hourly budget
	// for identify updates
	profileLimiter *slidingWindow
	identifyQuota  *userQuota
}

// NewClient builds a client from validated configuration.
func NewClient(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := Region(cfg.Region)
	// Fail on a bad region now rather than on the first call
	if _, err := Describe(IngestWrite, region); err != nil {
		return nil, err
	}

	log := logger.Get().With(zap.String("component", "amplitude_client"))
	if !cfg.Credentials.HasSecretKey() {
		log.Debug("secret_key not configured, export and profile calls will be rejected")
	}

	return &Client{
		cfg: cfg,
		creds: Credentials{
			APIKey:    cfg.Credentials.APIKey,
			SecretKey: cfg.Credentials.SecretKey,
		},
		region: region,
		policy: RetryPolicy{
			MaxAttempts:     cfg.Reliability.RetryAttempts,
			InitialDelay:    cfg.Reliability.RetryDelay,
			MaxDelay:        cfg.Reliability.MaxRetryDelay,
			Multiplier:      cfg.Reliability.RetryMultiplier,
			RandomizeFactor: cfg.Reliability.RetryJitter,
		},
		httpClient:     newHTTPClient(cfg, log),
		metrics:        NewMetrics(cfg.Observability.EnableMetrics),
		logger:         log,
		profileLimiter: newSlidingWindow(profileQueryLimit, time.Minute),
		identifyQuota:  newUserQuota(identifyUserQuota, time.Hour),
	}, nil
}

// SendEvents uploads events through the HTTP V2 ingest endpoint. Inputs
// larger than one request allows are split into size- and count-compliant
// batches and dispatched concurrently; the returned acknowledgment
// aggregates all of them.
func (c *Client) SendEvents(ctx context.Context, events []EventRecord) (*WriteAck, error) {
	return c.upload(ctx, IngestWrite, events)
}

// SendBatch uploads events through the Batch endpoint. Same contract as
// SendEvents with the larger 20 MB payload ceiling; prefer it for backfills.
func (c *Client) SendBatch(ctx context.Context, events []EventRecord) (*WriteAck, error) {
	return c.upload(ctx, BatchUpload, events)
}

func (c *Client) upload(ctx context.Context, op Operation, events []EventRecord) (*WriteAck, error) {
	if len(events) == 0 {
		return &WriteAck{Code: 200}, nil
	}

	items, err := encodeItems(events)
	if err != nil {
		return nil, err
	}

	ep, err := Describe(op, c.region)
	if err != nil {
		return nil, err
	}

	batches, err := chunk(items, ep.MaxEvents, ep.MaxPayloadBytes-uploadEnvelopeBytes(c.creds.APIKey))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("dispatching upload",
		zap.String("operation", op.String()),
		zap.Int("events", len(events)),
		zap.Int("batches", len(batches)))

	acks := make([]*WriteAck, len(batches))

	workers := c.cfg.Performance.GetWorkers()
	if workers > c.cfg.Performance.MaxConcurrency {
		workers = c.cfg.Performance.MaxConcurrency
	}
	if workers > len(batches) {
		workers = len(batches)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				mu.Lock()
				failed := firstErr != nil
				mu.Unlock()
				if failed {
					continue
				}

				ack, err := c.dispatchBatch(ctx, op, batches[idx])
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					acks[idx] = ack
				}
				mu.Unlock()
			}
		}()
	}
	for i := range batches {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	total := &WriteAck{Code: 200}
	for _, ack := range acks {
		total.EventsIngested += ack.EventsIngested
		total.PayloadSizeBytes += ack.PayloadSizeBytes
		if ack.ServerUploadTime > total.ServerUploadTime {
			total.ServerUploadTime = ack.ServerUploadTime
		}
	}

	c.metrics.ObserveEventsIngested(op, total.EventsIngested)
	return total, nil
}

func (c *Client) dispatchBatch(ctx context.Context, op Operation, batch Batch) (*WriteAck, error) {
	req, err := buildUploadRequest(op, c.region, c.creds, batch.Items)
	if err != nil {
		return nil, err
	}

	body, err := sendWithRetry(ctx, c.httpClient, req, c.policy, c.metrics, c.logger)
	if err != nil {
		return nil, err
	}

	return parseWriteAck(op, body)
}

// uploadEnvelopeBytes is the serialized size of the request wrapper around
// the events array: {"api_key":"<key>","events":[...]}. Chunk budgets are
// reduced by it so the final body stays within the endpoint ceiling.
func uploadEnvelopeBytes(apiKey string) int {
	return len(`{"api_key":"","events":}`) + len(apiKey)
}

// UpdateUserProperties applies identify updates, one result per input in
// input order. Updates that would exceed the per-user hourly budget are
// rejected locally without touching the network; the rest are dispatched in
// endpoint-sized groups. A transport failure marks only the affected group's
// results and releases their quota reservations.
func (c *Client) UpdateUserProperties(ctx context.Context, updates []PropertyUpdate) ([]IdentifyResult, error) {
	results := make([]IdentifyResult, len(updates))

	// Reserve quota per update first so rejected users never consume
	// space in a dispatch group
	var accepted []int
	for i, u := range updates {
		key := u.UserKey()
		results[i] = IdentifyResult{Index: i, UserKey: key}

		if key == "" {
			results[i].Err = errors.Wrap(ErrMissingIdentifier, errors.ErrorTypeValidation,
				"identify update requires user_id or device_id").
				WithDetail("index", i)
			continue
		}
		if err := c.identifyQuota.Reserve(key, 1); err != nil {
			c.metrics.ObserveQuotaRejection()
			results[i].Err = err
			continue
		}
		accepted = append(accepted, i)
	}

	if len(accepted) == 0 {
		return results, nil
	}

	// An update that fails to encode releases its reservation and drops
	// out of dispatch; queued stays index-aligned with items so dispatch
	// outcomes land on the right results
	items := make([]jsonRaw, 0, len(accepted))
	queued := make([]int, 0, len(accepted))
	for _, i := range accepted {
		raw, err := encodeItems([]PropertyUpdate{updates[i]})
		if err != nil {
			c.identifyQuota.Release(results[i].UserKey, 1)
			results[i].Err = err
			continue
		}
		items = append(items, raw[0])
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return results, nil
	}

	// Group by the form-encoded size the request body actually carries,
	// minus the api_key/identification wrapper
	batches, err := chunkFormEncoded(items, maxEventsPerUpload,
		maxPayloadIdentify-identifyEnvelopeBytes(c.creds.APIKey))
	if err != nil {
		for _, i := range queued {
			c.identifyQuota.Release(results[i].UserKey, 1)
			results[i].Err = err
		}
		return results, nil
	}

	cursor := 0
	for _, batch := range batches {
		group := queued[cursor : cursor+len(batch.Items)]
		cursor += len(batch.Items)

		if err := c.dispatchIdentify(ctx, batch.Items); err != nil {
			for _, i := range group {
				c.identifyQuota.Release(results[i].UserKey, 1)
				results[i].Err = err
			}
		}
	}

	return results, nil
}

// identifyEnvelopeBytes is the form-encoded size of the wrapper around the
// identification array: api_key=<key>&identification=<array>.
func identifyEnvelopeBytes(apiKey string) int {
	return len("api_key=") + len(url.QueryEscape(apiKey)) + len("&identification=")
}

func (c *Client) dispatchIdentify(ctx context.Context, items []jsonRaw) error {
	req, err := buildIdentifyRequest(c.region, c.creds, items)
	if err != nil {
		return err
	}

	_, err = sendWithRetry(ctx, c.httpClient, req, c.policy, c.metrics, c.logger)
	return err
}

// ExportEvents downloads the raw event archive for the half-open time range
// [start, end] and streams decoded records. Both bounds use the
// YYYYMMDDTHH format, e.g. "20220201T05". The download is buffered before
// decoding; records then arrive incrementally on the returned stream.
func (c *Client) ExportEvents(ctx context.Context, start, end string) (*ExportStream, error) {
	req, err := buildExportRequest(c.region, c.creds, start, end)
	if err != nil {
		return nil, err
	}

	body, err := sendWithRetry(ctx, c.httpClient, req, c.policy, c.metrics, c.logger)
	if err != nil {
		return nil, err
	}

	c.logger.Info("export downloaded",
		zap.String("start", start),
		zap.String("end", end),
		zap.Int("archive_bytes", len(body)))

	return decodeExport(ctx, bytes.NewReader(body),
		c.cfg.Export.SkipMalformedRecords, c.metrics, c.logger), nil
}

// GetUserProfile fetches the current profile for one user from the User
// Profile API. Calls are paced under the endpoint's per-minute ceiling;
// when the window is full this blocks until a slot opens or the context
// ends. The User Profile API is US-only.
func (c *Client) GetUserProfile(ctx context.Context, params ProfileQueryParams) (*ProfileRecord, error) {
	req, err := buildProfileRequest(c.region, c.creds, params)
	if err != nil {
		return nil, err
	}

	if err := c.profileLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := sendWithRetry(ctx, c.httpClient, req, c.policy, c.metrics, c.logger)
	if err != nil {
		return nil, err
	}

	return parseProfile(body)
}

// IdentifyQuotaUsed reports how much of the hourly identify budget the
// given user has consumed. Zero for unknown users.
func (c *Client) IdentifyQuotaUsed(userKey string) int {
	return c.identifyQuota.Used(userKey)
}
