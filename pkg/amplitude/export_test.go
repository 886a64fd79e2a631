package amplitude

import (
	"archive/zip"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// buildExportArchive assembles a zip archive of gzip-compressed NDJSON
// entries, the layout the export endpoint serves.
func buildExportArchive(t *testing.T, entries map[string][]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, lines := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)

		gz := gzip.NewWriter(w)
		for _, line := range lines {
			_, err := gz.Write([]byte(line + "\n"))
			require.NoError(t, err)
		}
		require.NoError(t, gz.Close())
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func collectExport(t *testing.T, stream *ExportStream) ([]EventRecord, error) {
	t.Helper()
	var records []EventRecord
	for rec := range stream.Records {
		records = append(records, rec)
	}
	return records, <-stream.Errors
}

func TestDecodeExportYieldsRecordsInOrder(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"event_id":%d,"user_id":"u%d","event_type":"click"}`, i, i)
	}
	archive := buildExportArchive(t, map[string][]string{"export_0.json.gz": lines})

	stream := decodeExport(context.Background(), bytes.NewReader(archive), false, nil, zap.NewNop())
	records, err := collectExport(t, stream)
	require.NoError(t, err)
	require.Len(t, records, 50)

	for i, rec := range records {
		id, ok := rec["event_id"].(float64)
		require.True(t, ok, "event_id should decode as a number")
		assert.Equal(t, float64(i), id)
		assert.Equal(t, fmt.Sprintf("u%d", i), rec["user_id"])
	}
}

func TestDecodeExportUncompressedEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("export_plain.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"event_type":"a"}` + "\n" + `{"event_type":"b"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	stream := decodeExport(context.Background(), &buf, false, nil, zap.NewNop())
	records, decodeErr := collectExport(t, stream)
	require.NoError(t, decodeErr)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0]["event_type"])
	assert.Equal(t, "b", records[1]["event_type"])
}

func TestDecodeExportGzipWrappedArchive(t *testing.T) {
	archive := buildExportArchive(t, map[string][]string{
		"export_0.json.gz": {`{"event_type":"wrapped"}`},
	})

	var wrapped bytes.Buffer
	gz := gzip.NewWriter(&wrapped)
	_, err := gz.Write(archive)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	stream := decodeExport(context.Background(), &wrapped, false, nil, zap.NewNop())
	records, decodeErr := collectExport(t, stream)
	require.NoError(t, decodeErr)
	require.Len(t, records, 1)
}

func TestDecodeExportCorruptArchive(t *testing.T) {
	stream := decodeExport(context.Background(), bytes.NewReader([]byte("this is not a zip")), false, nil, zap.NewNop())
	_, err := collectExport(t, stream)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrCorruptArchive))
}

func TestDecodeExportMalformedLineAborts(t *testing.T) {
	archive := buildExportArchive(t, map[string][]string{
		"export_0.json.gz": {
			`{"event_type":"good"}`,
			`{not json`,
			`{"event_type":"after"}`,
		},
	})

	stream := decodeExport(context.Background(), bytes.NewReader(archive), false, nil, zap.NewNop())
	records, err := collectExport(t, stream)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrMalformedRecord))
	assert.Len(t, records, 1)
}

func TestDecodeExportMalformedLineSkipped(t *testing.T) {
	archive := buildExportArchive(t, map[string][]string{
		"export_0.json.gz": {
			`{"event_type":"good"}`,
			`{not json`,
			`{"event_type":"after"}`,
		},
	})

	stream := decodeExport(context.Background(), bytes.NewReader(archive), true, nil, zap.NewNop())
	records, err := collectExport(t, stream)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "good", records[0]["event_type"])
	assert.Equal(t, "after", records[1]["event_type"])
}

func TestDecodeExportSkipsBlankLines(t *testing.T) {
	archive := buildExportArchive(t, map[string][]string{
		"export_0.json.gz": {`{"event_type":"only"}`, ``, `   `},
	})

	stream := decodeExport(context.Background(), bytes.NewReader(archive), false, nil, zap.NewNop())
	records, err := collectExport(t, stream)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
