// Package fingerprint derives deterministic cache keys from an image and its
// metadata record. The same image bytes and semantically identical metadata
// (same key/value pairs, any key order) always produce the same fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSerialization indicates the metadata record could not be canonicalized,
// for example because it contains values with no JSON representation.
var ErrSerialization = errors.New("metadata cannot be serialized")

// Fingerprint is an opaque, hex-encoded identifier for an (image, metadata) pair.
type Fingerprint string

// String returns the hex form of the fingerprint.
func (f Fingerprint) String() string {
	return string(f)
}

// Digests holds the two component digests that feed the fingerprint. They are
// retained on cache entries for audit and debugging, never for lookup.
type Digests struct {
	Image    string
	Metadata string
}

// Compute derives a Fingerprint from the raw image bytes and the metadata record.
//
// The image is digested as-is. The metadata is first reduced to a canonical
// JSON serialization: encoding/json marshals map keys in sorted order at every
// nesting level, so two records with the same pairs but different key order
// serialize to identical bytes. The fingerprint is the digest of the two
// component digests concatenated in a fixed order (image first).
func Compute(image []byte, metadata map[string]any) (Fingerprint, Digests, error) {
	imageDigest := hexDigest(image)

	canonical, err := json.Marshal(metadata)
	if err != nil {
		return "", Digests{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	metaDigest := hexDigest(canonical)

	combined := hexDigest([]byte(imageDigest + metaDigest))

	return Fingerprint(combined), Digests{Image: imageDigest, Metadata: metaDigest}, nil
}

func hexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
