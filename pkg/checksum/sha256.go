package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HashingWriter wraps w so that everything written is also hashed with SHA-256.
type HashingWriter struct {
	w      io.Writer
	hasher hash.Hash
	n      int64
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, hasher: sha256.New()}
}

func (h *HashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.hasher.Write(p[:n])
	h.n += int64(n)
	return n, err
}

func (h *HashingWriter) Sum() string {
	return hex.EncodeToString(h.hasher.Sum(nil))
}

func (h *HashingWriter) Written() int64 {
	return h.n
}
