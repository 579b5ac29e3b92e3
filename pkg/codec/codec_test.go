package codec_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/substrate/pkg/codec"
	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/signing"
)

func newTestCodec(t *testing.T) *codec.Codec {
	t.Helper()
	signer, err := signing.NewHMACSigner([]byte("test-key-0000000000000000"), "test")
	require.NoError(t, err)
	return codec.New(signer)
}

func TestEncode_MissingFields(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Encode(&contracts.DTU{})
	assert.ErrorIs(t, err, codec.ErrMissingID)

	_, err = c.Encode(&contracts.DTU{ID: "dtu_x"})
	assert.ErrorIs(t, err, codec.ErrMissingHumanLayer)
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	c := newTestCodec(t)

	d := &contracts.DTU{
		ID:         "dtu_rt_001",
		CreatorID:  "u",
		Tier:       contracts.TierRegular,
		HumanLayer: &contracts.HumanLayer{Summary: "x"},
		CoreLayer:  &contracts.CoreLayer{Invariants: []string{"x>0"}},
	}

	enc, err := c.Encode(d)
	require.NoError(t, err)
	assert.Equal(t, len(enc.Buffer), enc.TotalSize)
	assert.NotEmpty(t, enc.ContentHash)
	assert.NotEmpty(t, enc.Signature)

	dec, err := c.Decode(enc.Buffer)
	require.NoError(t, err)
	assert.Equal(t, "x", dec.HumanLayer.Summary)
	assert.Equal(t, []string{"x>0"}, dec.CoreLayer.Invariants)
	assert.Equal(t, "condensed_knowledge", dec.Header.PrimaryTypeName())
	assert.Nil(t, dec.MachineLayer)
	assert.Empty(t, dec.ArtifactData)
}

func TestEncodeDecode_ArtifactRoundtrip(t *testing.T) {
	c := newTestCodec(t)

	artifact := make([]byte, 4096)
	for i := range artifact {
		artifact[i] = byte(i % 7) // compressible
	}

	d := &contracts.DTU{
		ID:         "dtu_art_001",
		CreatorID:  "u",
		HumanLayer: &contracts.HumanLayer{Summary: "artifact holder"},
		Artifact: &contracts.Artifact{
			Type:     "paper",
			MIMEType: "text/plain",
			Data:     artifact,
		},
	}

	enc, err := c.Encode(d)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeDisplayResearch, enc.PrimaryType)
	assert.Equal(t, codec.LayerHuman|codec.LayerArtifact, enc.LayersPresent)

	dec, err := c.Decode(enc.Buffer)
	require.NoError(t, err)
	assert.Equal(t, artifact, dec.ArtifactData)
	assert.Equal(t, "text/plain", dec.Metadata.ArtifactMIME)
}

func TestEncode_Deterministic(t *testing.T) {
	c := newTestCodec(t)

	d := &contracts.DTU{
		ID:         "dtu_det_001",
		CreatorID:  "u",
		HumanLayer: &contracts.HumanLayer{Summary: "same"},
		MachineLayer: &contracts.MachineLayer{
			Fields: map[string]any{"b": 1, "a": "z", "c": true},
		},
	}

	first, err := c.Encode(d)
	require.NoError(t, err)
	second, err := c.Encode(d)
	require.NoError(t, err)

	assert.Equal(t, first.Buffer, second.Buffer)
	assert.Equal(t, first.ContentHash, second.ContentHash)
}

func TestDecode_BadBuffers(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Decode([]byte("short"))
	assert.ErrorIs(t, err, codec.ErrBufferTooSmall)

	buf := make([]byte, codec.HeaderSize)
	copy(buf, "NOPE")
	_, err = c.Decode(buf)
	assert.ErrorIs(t, err, codec.ErrInvalidMagic)
}

func TestVerify_CleanAndTampered(t *testing.T) {
	c := newTestCodec(t)

	d := &contracts.DTU{
		ID:         "dtu_ver_001",
		CreatorID:  "u",
		HumanLayer: &contracts.HumanLayer{Summary: "verify me"},
		CoreLayer:  &contracts.CoreLayer{Claims: []string{"claim"}},
	}
	enc, err := c.Encode(d)
	require.NoError(t, err)

	clean := c.Verify(enc.Buffer, codec.VerifyOptions{
		ExpectedHash:      enc.ContentHash,
		ExpectedSignature: enc.Signature,
	})
	assert.True(t, clean.HeaderValid)
	assert.True(t, clean.HashMatch)
	assert.True(t, clean.SignatureValid)
	assert.False(t, clean.Tampered)

	// Flip one byte in every position of the payload region; all must be
	// detected through the content hash.
	for i := codec.HeaderSize; i < len(enc.Buffer); i += 13 {
		mutated := make([]byte, len(enc.Buffer))
		copy(mutated, enc.Buffer)
		mutated[i] ^= 0xFF

		res := c.Verify(mutated, codec.VerifyOptions{
			ExpectedHash:      enc.ContentHash,
			ExpectedSignature: enc.Signature,
		})
		assert.True(t, res.Tampered, "byte %d", i)
	}

	// Header corruption fails the CRC even without an expected hash.
	mutated := make([]byte, len(enc.Buffer))
	copy(mutated, enc.Buffer)
	mutated[6] ^= 0xFF
	res := c.Verify(mutated, codec.VerifyOptions{})
	assert.False(t, res.HeaderValid)
	assert.True(t, res.Tampered)
}

func TestVerify_WrongSignature(t *testing.T) {
	c := newTestCodec(t)

	enc, err := c.Encode(&contracts.DTU{
		ID:         "dtu_sig_001",
		CreatorID:  "u",
		HumanLayer: &contracts.HumanLayer{Summary: "signed"},
	})
	require.NoError(t, err)

	res := c.Verify(enc.Buffer, codec.VerifyOptions{
		ExpectedHash:      enc.ContentHash,
		ExpectedSignature: "deadbeef",
	})
	assert.False(t, res.SignatureValid)
	assert.True(t, res.Tampered)
}

func TestPrimaryTypeFor(t *testing.T) {
	tests := []struct {
		artifactType string
		expected     uint8
	}{
		{"beat", codec.TypePlayAudio},
		{"song", codec.TypePlayAudio},
		{"illustration", codec.TypeDisplayImage},
		{"short_film", codec.TypePlayVideo},
		{"novel", codec.TypeRenderDocument},
		{"library", codec.TypeRenderCode},
		{"paper", codec.TypeDisplayResearch},
		{"dataset", codec.TypeDisplayDataset},
		{"3d_model", codec.TypeDisplay3D},
		{"text", codec.TypeCultureMemory},
		{"anything_else", codec.TypeCondensedKnowledge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, codec.PrimaryTypeFor(tt.artifactType), tt.artifactType)
	}
}

// Property: encode/decode roundtrips arbitrary summaries and claims.
func TestEncodeDecode_RoundtripProperty(t *testing.T) {
	c := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("roundtrip preserves layers", prop.ForAll(
		func(summary string, claims []string) bool {
			d := &contracts.DTU{
				ID:         "dtu_prop",
				CreatorID:  "u",
				HumanLayer: &contracts.HumanLayer{Summary: summary},
				CoreLayer:  &contracts.CoreLayer{Claims: claims},
			}
			enc, err := c.Encode(d)
			if err != nil {
				return false
			}
			dec, err := c.Decode(enc.Buffer)
			if err != nil {
				return false
			}
			if dec.HumanLayer.Summary != summary {
				return false
			}
			if len(dec.CoreLayer.Claims) != len(claims) {
				return false
			}
			for i := range claims {
				if dec.CoreLayer.Claims[i] != claims[i] {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
