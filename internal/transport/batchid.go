package transport

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// BatchIDHeader carries BatchID on HTTP requests.
const BatchIDHeader = "X-Span-Batch-Id"

// BatchID fingerprints an uncompressed payload. A retried envelope keeps its
// id, which lets a collector discard duplicate deliveries.
func BatchID(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}
