package fingerprint_test

import (
	"encoding/json"
	"testing"

	"github.com/illmade-knight/go-renderflow/pkg/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeMeta builds a metadata record from raw JSON so that tests can control
// the textual key order of the input document.
func decodeMeta(t *testing.T, raw string) map[string]any {
	t.Helper()
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	return meta
}

func TestCompute_Deterministic(t *testing.T) {
	image := []byte("image-bytes")
	meta := decodeMeta(t, `{"title":"Earphone cover","abstract":"A cover for earphones."}`)

	first, firstDigests, err := fingerprint.Compute(image, meta)
	require.NoError(t, err)
	second, secondDigests, err := fingerprint.Compute(image, meta)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstDigests, secondDigests)
	assert.Len(t, first.String(), 64, "fingerprint should be a hex sha256 digest")
}

func TestCompute_KeyOrderInvariance(t *testing.T) {
	image := []byte("image-bytes")
	ordered := decodeMeta(t, `{"a":1,"b":2,"nested":{"x":true,"y":"z"}}`)
	shuffled := decodeMeta(t, `{"nested":{"y":"z","x":true},"b":2,"a":1}`)

	first, _, err := fingerprint.Compute(image, ordered)
	require.NoError(t, err)
	second, _, err := fingerprint.Compute(image, shuffled)
	require.NoError(t, err)

	assert.Equal(t, first, second, "key order must not affect the fingerprint")
}

func TestCompute_Sensitivity(t *testing.T) {
	image := []byte("image-bytes")
	meta := decodeMeta(t, `{"title":"Earphone cover"}`)

	base, baseDigests, err := fingerprint.Compute(image, meta)
	require.NoError(t, err)

	t.Run("image change", func(t *testing.T) {
		changed := append([]byte(nil), image...)
		changed[0]++
		fp, digests, err := fingerprint.Compute(changed, meta)
		require.NoError(t, err)
		assert.NotEqual(t, base, fp)
		assert.NotEqual(t, baseDigests.Image, digests.Image)
		assert.Equal(t, baseDigests.Metadata, digests.Metadata)
	})

	t.Run("metadata change", func(t *testing.T) {
		fp, digests, err := fingerprint.Compute(image, decodeMeta(t, `{"title":"Earphone case"}`))
		require.NoError(t, err)
		assert.NotEqual(t, base, fp)
		assert.Equal(t, baseDigests.Image, digests.Image)
		assert.NotEqual(t, baseDigests.Metadata, digests.Metadata)
	})
}

func TestCompute_SerializationError(t *testing.T) {
	meta := map[string]any{"bad": make(chan int)}

	_, _, err := fingerprint.Compute([]byte("image-bytes"), meta)

	require.Error(t, err)
	assert.ErrorIs(t, err, fingerprint.ErrSerialization)
}
