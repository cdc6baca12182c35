// Package cache remembers extraction results by image content so repeated
// uploads of the same screenshot skip the vision model.
package cache

import (
	digest "github.com/opencontainers/go-digest"
)

// ContentHash identifies image bytes, e.g. "sha256:<hex>"
type ContentHash = digest.Digest

// HashContent returns the SHA-256 digest of data. It depends only on the bytes.
func HashContent(data []byte) ContentHash {
	return digest.FromBytes(data)
}
