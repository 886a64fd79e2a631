package amplitude

import (
	stderrors "errors"
	"net/url"

	"github.com/padak/keboola-amplitude/pkg/errors"
)

// ErrItemTooLarge indicates a single record whose serialized form alone
// exceeds the byte ceiling. Such a record is rejected rather than silently
// dropped or split.
var ErrItemTooLarge = stderrors.New("item too large")

// Batch is an ordered run of pre-encoded records bounded by both a count
// limit and a serialized-size limit. Concatenating all batches of a chunked
// input in order reproduces the input exactly.
type Batch struct {
	Items []jsonRaw
	Bytes int
}

// arrayOverhead returns the serialized size of n items laid out as a JSON
// array: the items themselves plus brackets and separating commas.
func arrayOverhead(n int) int {
	if n <= 0 {
		return 2
	}
	return 2 + (n - 1)
}

// chunk partitions encoded items into batches by greedy bin-packing: items
// accumulate in input order and a batch closes when adding the next item
// would exceed maxCount or push the serialized array past maxBytes.
func chunk(items []jsonRaw, maxCount, maxBytes int) ([]Batch, error) {
	batches := make([]Batch, 0, 1)

	current := Batch{}
	for i, item := range items {
		if maxBytes > 0 && len(item)+arrayOverhead(1) > maxBytes {
			return nil, errors.Wrap(ErrItemTooLarge, errors.ErrorTypeValidation,
				"single record exceeds the per-request byte limit").
				WithDetail("index", i).
				WithDetail("item_size_bytes", len(item)).
				WithDetail("max_size_bytes", maxBytes)
		}

		if (maxCount > 0 && len(current.Items)+1 > maxCount) ||
			(maxBytes > 0 && len(current.Items) > 0 && serializedSize(current.Bytes, len(current.Items)+1, len(item)) > maxBytes) {
			batches = append(batches, current)
			current = Batch{}
		}

		current.Items = append(current.Items, item)
		current.Bytes += len(item)
	}

	if len(current.Items) > 0 {
		batches = append(batches, current)
	}

	return batches, nil
}

// serializedSize computes the JSON array size of a batch that would hold
// sumBytes of existing item payload plus one more item, n items in total.
func serializedSize(sumBytes, n, nextItemBytes int) int {
	return sumBytes + nextItemBytes + arrayOverhead(n)
}

// escapedLen returns the byte count of raw JSON after URL query escaping,
// the size it occupies inside a form-encoded field.
func escapedLen(b []byte) int {
	return len(url.QueryEscape(string(b)))
}

// formArrayOverhead returns the form-encoded size of the JSON array
// punctuation around n items: brackets and commas each escape to three
// bytes (%5B, %5D, %2C).
func formArrayOverhead(n int) int {
	if n <= 0 {
		return 6
	}
	return 6 + (n-1)*3
}

// chunkFormEncoded partitions encoded items destined for a JSON array inside
// a form field. Item sizes are measured after URL escaping, which can
// inflate JSON up to threefold, so the bound reflects the bytes the request
// body actually carries rather than the raw JSON size.
func chunkFormEncoded(items []jsonRaw, maxCount, maxBytes int) ([]Batch, error) {
	batches := make([]Batch, 0, 1)

	current := Batch{}
	for i, item := range items {
		cost := escapedLen(item)
		if maxBytes > 0 && cost+formArrayOverhead(1) > maxBytes {
			return nil, errors.Wrap(ErrItemTooLarge, errors.ErrorTypeValidation,
				"single record exceeds the per-request byte limit").
				WithDetail("index", i).
				WithDetail("item_size_bytes", cost).
				WithDetail("max_size_bytes", maxBytes)
		}

		if (maxCount > 0 && len(current.Items)+1 > maxCount) ||
			(maxBytes > 0 && len(current.Items) > 0 && current.Bytes+cost+formArrayOverhead(len(current.Items)+1) > maxBytes) {
			batches = append(batches, current)
			current = Batch{}
		}

		current.Items = append(current.Items, item)
		current.Bytes += cost
	}

	if len(current.Items) > 0 {
		batches = append(batches, current)
	}

	return batches, nil
}
