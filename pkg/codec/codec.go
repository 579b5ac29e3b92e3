package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/concordhq/substrate/pkg/compress"
	"github.com/concordhq/substrate/pkg/contracts"
	"github.com/concordhq/substrate/pkg/signing"
)

// Codec encodes and decodes DTU envelopes. A nil Signer disables signatures.
type Codec struct {
	signer signing.Signer
}

// New creates a codec signing with the given signer.
func New(signer signing.Signer) *Codec {
	return &Codec{signer: signer}
}

// EncodeResult is the outcome of a successful Encode.
type EncodeResult struct {
	Buffer        []byte
	ContentHash   string
	Signature     string
	TotalSize     int
	PrimaryType   uint8
	LayersPresent uint8
}

// DecodeResult is the outcome of a successful Decode.
type DecodeResult struct {
	Header       *Header
	HumanLayer   *contracts.HumanLayer
	CoreLayer    *contracts.CoreLayer
	MachineLayer *contracts.MachineLayer
	ArtifactData []byte
	Metadata     DecodeMetadata
}

// DecodeMetadata carries envelope-level facts surfaced alongside the layers.
type DecodeMetadata struct {
	ArtifactMIME string
	Compression  compress.Algorithm
	FormatName   string
}

// VerifyOptions selects which checks Verify performs beyond the header.
type VerifyOptions struct {
	ExpectedHash      string
	ExpectedSignature string
}

// VerifyResult reports the envelope integrity checks. Tampered is the OR of
// any failed check.
type VerifyResult struct {
	HeaderValid    bool
	HashMatch      bool
	SignatureValid bool
	Tampered       bool
}

// Encode serializes a DTU into a self-describing byte stream.
//
// Identical inputs yield an identical buffer and content hash: layer
// serialization is deterministic (json.Marshal sorts map keys) and the
// compression pipeline is a pure function of the artifact bytes.
func (c *Codec) Encode(d *contracts.DTU) (*EncodeResult, error) {
	if d == nil || d.ID == "" {
		return nil, ErrMissingID
	}
	if !d.HasHumanLayer() {
		return nil, ErrMissingHumanLayer
	}

	var layers uint8
	var humanBytes, coreBytes, machineBytes, artifactBytes []byte
	var err error

	layers |= LayerHuman
	if humanBytes, err = json.Marshal(d.HumanLayer); err != nil {
		return nil, fmt.Errorf("encode human layer: %w", err)
	}
	if d.HasCoreLayer() {
		layers |= LayerCore
		if coreBytes, err = json.Marshal(d.CoreLayer); err != nil {
			return nil, fmt.Errorf("encode core layer: %w", err)
		}
	}
	if d.HasMachineLayer() {
		layers |= LayerMachine
		if machineBytes, err = json.Marshal(d.MachineLayer); err != nil {
			return nil, fmt.Errorf("encode machine layer: %w", err)
		}
	}

	var (
		compression  = compress.AlgorithmNone
		artifactMIME string
		artifactType string
	)
	if d.HasArtifact() {
		layers |= LayerArtifact
		artifactMIME = d.Artifact.MIMEType
		artifactType = d.Artifact.Type
		res, err := compress.Compress(d.Artifact.Data, artifactMIME)
		if err != nil {
			return nil, fmt.Errorf("compress artifact: %w", err)
		}
		artifactBytes = res.Data
		compression = res.Algorithm
	}

	payload := 0
	for _, b := range [][]byte{humanBytes, coreBytes, machineBytes, artifactBytes} {
		if b != nil {
			payload += 4 + len(b)
		}
	}
	total := HeaderSize + payload

	h := &Header{
		Version:      Version,
		FormatType:   formatTypeFor(d.Tier),
		PrimaryType:  primaryTypeForDTU(d, artifactType),
		Compression:  uint8(compression),
		Layers:       layers,
		ArtifactSize: uint64(len(artifactBytes)),
		TotalSize:    uint64(total),
		ArtifactMIME: artifactMIME,
	}

	buf := make([]byte, 0, total)
	buf = append(buf, h.marshal()...)
	for _, b := range [][]byte{humanBytes, coreBytes, machineBytes, artifactBytes} {
		if b == nil {
			continue
		}
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(b)))
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, b...)
	}

	hash := sha256.Sum256(buf)
	contentHash := hex.EncodeToString(hash[:])

	var sig string
	if c.signer != nil {
		if sig, err = c.signer.Sign(buf); err != nil {
			return nil, fmt.Errorf("sign envelope: %w", err)
		}
	}

	return &EncodeResult{
		Buffer:        buf,
		ContentHash:   contentHash,
		Signature:     sig,
		TotalSize:     total,
		PrimaryType:   h.PrimaryType,
		LayersPresent: layers,
	}, nil
}

// Decode parses an envelope back into its layers.
func (c *Codec) Decode(buf []byte) (*DecodeResult, error) {
	h, _, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}

	out := &DecodeResult{
		Header: h,
		Metadata: DecodeMetadata{
			ArtifactMIME: h.ArtifactMIME,
			Compression:  compress.Algorithm(h.Compression),
			FormatName:   formatName(h.FormatType),
		},
	}

	offset := HeaderSize
	readLayer := func() ([]byte, error) {
		if offset+4 > len(buf) {
			return nil, ErrBufferTooSmall
		}
		n := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		if offset+n > len(buf) {
			return nil, ErrBufferTooSmall
		}
		b := buf[offset : offset+n]
		offset += n
		return b, nil
	}

	if h.HasLayer(LayerHuman) {
		b, err := readLayer()
		if err != nil {
			return nil, err
		}
		var human contracts.HumanLayer
		if err := json.Unmarshal(b, &human); err != nil {
			return nil, fmt.Errorf("decode human layer: %w", err)
		}
		out.HumanLayer = &human
	}
	if h.HasLayer(LayerCore) {
		b, err := readLayer()
		if err != nil {
			return nil, err
		}
		var core contracts.CoreLayer
		if err := json.Unmarshal(b, &core); err != nil {
			return nil, fmt.Errorf("decode core layer: %w", err)
		}
		out.CoreLayer = &core
	}
	if h.HasLayer(LayerMachine) {
		b, err := readLayer()
		if err != nil {
			return nil, err
		}
		var machine contracts.MachineLayer
		if err := json.Unmarshal(b, &machine); err != nil {
			return nil, fmt.Errorf("decode machine layer: %w", err)
		}
		out.MachineLayer = &machine
	}
	if h.HasLayer(LayerArtifact) {
		b, err := readLayer()
		if err != nil {
			return nil, err
		}
		data, err := compress.Decompress(b, compress.Algorithm(h.Compression))
		if err != nil {
			return nil, err
		}
		out.ArtifactData = data
	}

	return out, nil
}

// Verify checks an envelope's header CRC, content hash, and signature.
// It never fails hard: malformed buffers report HeaderValid=false.
func (c *Codec) Verify(buf []byte, opts VerifyOptions) *VerifyResult {
	res := &VerifyResult{HashMatch: true, SignatureValid: true}

	_, valid, err := parseHeader(buf)
	res.HeaderValid = err == nil && valid

	if opts.ExpectedHash != "" {
		hash := sha256.Sum256(buf)
		res.HashMatch = hex.EncodeToString(hash[:]) == opts.ExpectedHash
	}
	if opts.ExpectedSignature != "" {
		if c.signer == nil {
			res.SignatureValid = false
		} else {
			res.SignatureValid = c.signer.Verify(buf, opts.ExpectedSignature)
		}
	}

	res.Tampered = !res.HashMatch || !res.SignatureValid || !res.HeaderValid
	return res
}

// ExtensionFor returns the file extension for a DTU's internal tier:
// ".dtu", ".mega.dtu", or ".hyper.dtu".
func ExtensionFor(tier contracts.InternalTier) string {
	return Extension(formatTypeFor(tier))
}

func formatTypeFor(tier contracts.InternalTier) uint8 {
	switch tier {
	case contracts.TierMega:
		return FormatMega
	case contracts.TierHyper:
		return FormatHyper
	default:
		return FormatDTU
	}
}

func formatName(code uint8) string {
	switch code {
	case FormatMega:
		return "mega"
	case FormatHyper:
		return "hyper"
	default:
		return "dtu"
	}
}

func primaryTypeForDTU(d *contracts.DTU, artifactType string) uint8 {
	if d.HasArtifact() {
		return PrimaryTypeFor(artifactType)
	}
	return TypeCondensedKnowledge
}
