package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// GenerateKey derives the deterministic fingerprint of a logical operation.
// The same operation type and the same components in the same order always
// hash to the same key, across processes and restarts. Each component is
// length-prefixed so shifting bytes across a component boundary cannot
// produce the same digest.
func GenerateKey(op OperationType, components ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, c := range components {
		h.Write([]byte{'|'})
		h.Write([]byte(strconv.Itoa(len(c))))
		h.Write([]byte{':'})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UploadKey fingerprints an invoice upload by vendor and file content hash.
func UploadKey(vendorID, fileHash, userID string) string {
	return GenerateKey(OpInvoiceUpload, vendorID, fileHash, userID)
}

// ProcessKey fingerprints the parse/extract run for one invoice.
func ProcessKey(invoiceID, userID string) string {
	return GenerateKey(OpInvoiceProcess, invoiceID, userID)
}

// ExportKey fingerprints a staging-workflow action against one invoice and
// destination, e.g. action "stage" or "post".
func ExportKey(invoiceID, destination, action, userID string) string {
	op := OpExportStage
	if action == "post" {
		op = OpExportPost
	}
	return GenerateKey(op, invoiceID, destination, action, userID)
}

// ResolveKey fingerprints the resolution of a processing exception.
func ResolveKey(exceptionID, resolution, userID string) string {
	return GenerateKey(OpExceptionResolve, exceptionID, resolution, userID)
}

// BatchKey fingerprints a bulk operation over a set of members. Member order
// must not matter, so the ids are sorted before hashing.
func BatchKey(batchAction string, memberIDs []string, userID string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	return GenerateKey(OpBatchOperation, batchAction, strings.Join(ids, ","), userID)
}
