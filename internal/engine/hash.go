package engine

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the SHA-256 digest of content as a lowercase hex string.
// This is the content hash used everywhere: file metadata, conflict versions,
// backup addressing.
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// IdempotencyKey derives the deterministic key an operation presents to the
// primary store so retried application is safe. Two executions of the same
// operation always produce the same key; two distinct operations never do,
// because the operation ID is part of the input.
func IdempotencyKey(op *Operation) string {
	h := sha256.New()
	h.Write([]byte(op.Kind))
	h.Write([]byte{0})
	h.Write([]byte(op.Path))
	h.Write([]byte{0})
	h.Write([]byte(op.DestPath))
	h.Write([]byte{0})
	h.Write(op.Payload)
	h.Write([]byte{0})
	h.Write([]byte(op.ID))
	return hex.EncodeToString(h.Sum(nil))
}

// subKey derives a per-sub-operation idempotency key within a batch. The
// retry count is part of the input: a failed atomic batch rolls its applied
// sub-operations back, so the next attempt must present fresh keys or a
// key-tracking store would treat the re-applied writes as duplicates.
func subKey(op *Operation, index int, sub SubOperation) string {
	h := sha256.New()
	h.Write([]byte(op.ID))
	h.Write([]byte{0, byte(op.RetryCount >> 8), byte(op.RetryCount)})
	h.Write([]byte{0, byte(index >> 8), byte(index)})
	h.Write([]byte(sub.Kind))
	h.Write([]byte{0})
	h.Write([]byte(sub.Path))
	h.Write([]byte{0})
	h.Write([]byte(sub.DestPath))
	h.Write([]byte{0})
	h.Write(sub.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
