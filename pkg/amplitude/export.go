package amplitude

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/padak/keboola-amplitude/pkg/errors"
	jsonx "github.com/padak/keboola-amplitude/pkg/json"
)

// Export decoding errors. Archive-level failure aborts the stream; a
// line-level failure is skippable per configuration so a single bad line
// does not discard an otherwise valid multi-day export.
var (
	// ErrCorruptArchive indicates the export container could not be opened
	ErrCorruptArchive = stderrors.New("corrupt export archive")
	// ErrMalformedRecord indicates an export line that is not valid JSON
	ErrMalformedRecord = stderrors.New("malformed export record")
)

// ExportStream yields event records decoded incrementally from an export
// archive. Records arrive on Records until it closes; a terminal failure
// arrives on Errors. The stream is not resumable from a partial read — the
// only restart is re-issuing the export call.
type ExportStream struct {
	Records <-chan EventRecord
	Errors  <-chan error
}

// gzipMagic is the two-byte gzip header used to sniff compressed content.
var gzipMagic = []byte{0x1f, 0x8b}

// maxExportLineBytes bounds a single export line. Amplitude events are
// well under this; the headroom covers deeply nested property maps.
const maxExportLineBytes = 16 << 20

// decodeExport streams event records out of an export response body.
//
// The body is a zip archive of one-event-per-line JSON files; the archive
// itself and the individual entries may additionally be gzip-compressed.
// Entries are decoded one at a time and lines yielded as they parse, so the
// full decompressed corpus is never materialized.
func decodeExport(ctx context.Context, body io.Reader, skipMalformed bool, m *Metrics, log *zap.Logger) *ExportStream {
	records := make(chan EventRecord, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		if err := runExportDecode(ctx, body, skipMalformed, m, log, records); err != nil {
			errs <- err
		}
	}()

	return &ExportStream{Records: records, Errors: errs}
}

// runExportDecode drives the archive walk. zip needs random access, so the
// (compressed) body is buffered in memory first; entries are still streamed.
func runExportDecode(ctx context.Context, body io.Reader, skipMalformed bool, m *Metrics, log *zap.Logger, out chan<- EventRecord) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read export body")
	}

	// Some responses arrive gzip-wrapped around the zip container
	if bytes.HasPrefix(raw, gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return errors.Wrap(ErrCorruptArchive, errors.ErrorTypeData,
				"failed to open gzip wrapper").WithDetail("cause", err.Error())
		}
		raw, err = io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return errors.Wrap(ErrCorruptArchive, errors.ErrorTypeData,
				"failed to decompress gzip wrapper").WithDetail("cause", err.Error())
		}
	}

	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return errors.Wrap(ErrCorruptArchive, errors.ErrorTypeData,
			"export body is not a valid zip archive").WithDetail("cause", err.Error())
	}

	for _, entry := range archive.File {
		if err := decodeEntry(ctx, entry, skipMalformed, m, log, out); err != nil {
			return err
		}
	}

	return nil
}

// decodeEntry streams newline-delimited JSON events out of one archive entry.
func decodeEntry(ctx context.Context, entry *zip.File, skipMalformed bool, m *Metrics, log *zap.Logger, out chan<- EventRecord) error {
	rc, err := entry.Open()
	if err != nil {
		return errors.Wrap(ErrCorruptArchive, errors.ErrorTypeData,
			"failed to open archive entry").
			WithDetail("entry", entry.Name).
			WithDetail("cause", err.Error())
	}
	defer rc.Close()

	// Entries inside the archive are usually gzip-compressed themselves
	reader := bufio.NewReader(rc)
	if magic, err := reader.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return errors.Wrap(ErrCorruptArchive, errors.ErrorTypeData,
				"failed to open compressed archive entry").
				WithDetail("entry", entry.Name).
				WithDetail("cause", err.Error())
		}
		defer gz.Close()
		reader = bufio.NewReader(gz)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxExportLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var event EventRecord
		if err := jsonx.Unmarshal(data, &event); err != nil {
			if skipMalformed {
				m.ObserveMalformedRecord()
				log.Warn("skipping malformed export record",
					zap.String("entry", entry.Name),
					zap.Int("line", line),
					zap.Error(err))
				continue
			}
			return errors.Wrap(ErrMalformedRecord, errors.ErrorTypeData,
				"export line is not valid JSON").
				WithDetail("entry", entry.Name).
				WithDetail("line", line).
				WithDetail("cause", err.Error())
		}

		select {
		case out <- event:
			m.ObserveExportRecord()
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "export decode cancelled")
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrap(ErrCorruptArchive, errors.ErrorTypeData,
			"failed to read archive entry").
			WithDetail("entry", entry.Name).
			WithDetail("cause", err.Error())
	}

	return nil
}
