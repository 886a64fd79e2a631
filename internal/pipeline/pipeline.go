// Package pipeline drives the Keboola extraction run: export a time range
// from Amplitude, write the events as a CSV table under the data directory,
// and persist run state for incremental loads.
package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/padak/keboola-amplitude/pkg/amplitude"
	"github.com/padak/keboola-amplitude/pkg/config"
	"github.com/padak/keboola-amplitude/pkg/errors"
	jsonx "github.com/padak/keboola-amplitude/pkg/json"
)

// eventColumns is the fixed output table schema. Nested property maps are
// serialized as JSON strings in their column rather than exploded, so the
// table shape is stable across projects with different taxonomies.
var eventColumns = []string{
	"event_id",
	"user_id",
	"device_id",
	"event_type",
	"event_time",
	"amplitude_id",
	"platform",
	"os_name",
	"city",
	"country",
	"event_properties",
	"user_properties",
}

const (
	stateFileName = "state.json"
	tablesSubdir  = "out/tables"
)

// Params configures one extraction run.
type Params struct {
	// Start and End bound the export range in YYYYMMDDTHH format
	Start string
	End   string
	// OutputTable names the destination table; the CSV file name is its
	// last dot-separated segment
	OutputTable string
	// DataDir is the component data directory (tables and state live
	// under it)
	DataDir string
}

// State is the run state persisted between invocations for incremental
// loads.
type State struct {
	LastExportedEnd string `json:"last_exported_end"`
	EventCount      int    `json:"event_count"`
	LastRun         string `json:"last_run"`
}

// Result summarizes a completed run.
type Result struct {
	EventCount int
	TablePath  string
}

// Runner executes extraction runs against one Amplitude project.
type Runner struct {
	client *amplitude.Client
	cfg    *config.Config
	logger *zap.Logger
}

// NewRunner builds a runner on top of an initialized client.
func NewRunner(client *amplitude.Client, cfg *config.Config, log *zap.Logger) *Runner {
	return &Runner{
		client: client,
		cfg:    cfg,
		logger: log.With(zap.String("component", "pipeline")),
	}
}

// Run exports the configured range and writes the events table and state
// file. The CSV is written incrementally as records stream out of the
// export decoder, so memory use is flat regardless of range size.
func (r *Runner) Run(ctx context.Context, params Params) (*Result, error) {
	if params.OutputTable == "" {
		params.OutputTable = "out.c-amplitude.events"
	}

	r.logger.Info("starting extraction run",
		zap.String("start", params.Start),
		zap.String("end", params.End),
		zap.String("output_table", params.OutputTable))

	stream, err := r.client.ExportEvents(ctx, params.Start, params.End)
	if err != nil {
		return nil, err
	}

	tablePath, err := tablePath(params.DataDir, params.OutputTable)
	if err != nil {
		return nil, err
	}

	count, err := r.writeTable(tablePath, stream)
	if err != nil {
		return nil, err
	}

	if err := r.writeState(params.DataDir, State{
		LastExportedEnd: params.End,
		EventCount:      count,
		LastRun:         time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	r.logger.Info("extraction run complete",
		zap.Int("events", count),
		zap.String("table", tablePath))

	return &Result{EventCount: count, TablePath: tablePath}, nil
}

// tablePath maps a Keboola table identifier to its CSV path under the data
// directory, e.g. out.c-amplitude.events -> out/tables/events.csv.
func tablePath(dataDir, outputTable string) (string, error) {
	name := outputTable
	if i := lastDot(outputTable); i >= 0 {
		name = outputTable[i+1:]
	}
	if name == "" {
		return "", errors.New(errors.ErrorTypeConfig, "output table name is empty")
	}

	dir := filepath.Join(dataDir, tablesSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to create output directory")
	}

	return filepath.Join(dir, name+".csv"), nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func (r *Runner) writeTable(path string, stream *amplitude.ExportStream) (int, error) {
	// On an early return the decoder is still sending; drain so its
	// goroutine can finish instead of blocking forever
	defer func() {
		for range stream.Records {
		}
	}()

	file, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create output table").
			WithDetail("path", path)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(eventColumns); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to write header")
	}

	count := 0
	for record := range stream.Records {
		row, err := eventRow(record)
		if err != nil {
			return count, err
		}
		if err := writer.Write(row); err != nil {
			return count, errors.Wrap(err, errors.ErrorTypeInternal, "failed to write row")
		}
		count++
	}

	// A decode failure surfaces after the record channel closes
	if err := <-stream.Errors; err != nil {
		return count, err
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return count, errors.Wrap(err, errors.ErrorTypeInternal, "failed to flush output table")
	}
	if err := file.Sync(); err != nil {
		return count, errors.Wrap(err, errors.ErrorTypeInternal, "failed to sync output table")
	}

	return count, nil
}

// eventRow maps one exported event onto the fixed schema. Scalar fields are
// stringified; property maps are kept as JSON.
func eventRow(event amplitude.EventRecord) ([]string, error) {
	row := make([]string, len(eventColumns))
	for i, col := range eventColumns {
		val, ok := event[col]
		if !ok || val == nil {
			continue
		}
		switch col {
		case "event_properties", "user_properties":
			raw, err := jsonx.Marshal(val)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to serialize properties").
					WithDetail("column", col)
			}
			row[i] = string(raw)
		default:
			row[i] = stringify(val)
		}
	}
	return row, nil
}

// stringify renders a decoded JSON scalar for CSV output. Numeric IDs are
// formatted without an exponent so they survive the round trip intact.
func stringify(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (r *Runner) writeState(dataDir string, state State) error {
	raw, err := jsonx.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize state")
	}

	path := filepath.Join(dataDir, stateFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write state file").
			WithDetail("path", path)
	}
	return nil
}

// LoadState reads the previous run's state. A missing file is a clean
// first run, not an error.
func LoadState(dataDir string) (*State, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, stateFileName))
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read state file")
	}

	var state State
	if err := jsonx.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "state file is not valid JSON")
	}
	return &state, nil
}
