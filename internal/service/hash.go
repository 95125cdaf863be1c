package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// hashRequest fingerprints the fields that define a submission. The
// encoding is length-prefixed so no field boundary is ambiguous, and
// metadata pairs are folded in key order so map insertion order cannot
// change the result. The hash is compared for equality only, never used
// as a lookup index.
func hashRequest(req SubmitRequest) string {
	h := sha256.New()
	writeField(h, strconv.FormatInt(req.AmountMinor, 10))
	writeField(h, req.Currency)
	writeField(h, req.OrderID)
	writeField(h, req.IdempotencyKey)

	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, req.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, s string) {
	fmt.Fprintf(w, "%d:%s;", len(s), s)
}
