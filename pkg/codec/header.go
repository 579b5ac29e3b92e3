// Package codec implements the DTU container format: a versioned binary
// envelope with a 48-byte checksummed header, up to four length-prefixed
// payload layers, a content hash, and a signature.
//
// The envelope is the substrate's stable external contract; everything else
// about a DTU may evolve, the bytes on the wire may not.
package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Wire format constants.
const (
	// Magic is "CDTU".
	Magic = "CDTU"

	// Version of the container format.
	Version uint16 = 1

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 48

	// headerMIMEMax is the room left for the artifact MIME string inside the
	// fixed header: 48 - 26 (fixed fields) - 1 (length prefix) - 4 (CRC).
	headerMIMEMax = 17

	// MIMEType is the media type for exported DTU files.
	MIMEType = "application/vnd.concord.dtu"

	// File extensions by format type.
	ExtDTU   = ".dtu"
	ExtMega  = ".mega.dtu"
	ExtHyper = ".hyper.dtu"
)

// Format type codes.
const (
	FormatDTU   uint8 = 1
	FormatMega  uint8 = 2
	FormatHyper uint8 = 3
)

// Layer bitfield positions.
const (
	LayerHuman    uint8 = 1 << 0
	LayerCore     uint8 = 1 << 1
	LayerMachine  uint8 = 1 << 2
	LayerArtifact uint8 = 1 << 3
)

// Primary type codes (8-bit).
const (
	TypePlayAudio          uint8 = 0x01
	TypeDisplayImage       uint8 = 0x02
	TypePlayVideo          uint8 = 0x03
	TypeRenderDocument     uint8 = 0x04
	TypeRenderCode         uint8 = 0x05
	TypeDisplayResearch    uint8 = 0x06
	TypeDisplayDataset     uint8 = 0x07
	TypeDisplay3D          uint8 = 0x08
	TypeCondensedKnowledge uint8 = 0x0A
	TypeCultureMemory      uint8 = 0x0B
)

var primaryTypeNames = map[uint8]string{
	TypePlayAudio:          "play_audio",
	TypeDisplayImage:       "display_image",
	TypePlayVideo:          "play_video",
	TypeRenderDocument:     "render_document",
	TypeRenderCode:         "render_code",
	TypeDisplayResearch:    "display_research",
	TypeDisplayDataset:     "display_dataset",
	TypeDisplay3D:          "display_3d",
	TypeCondensedKnowledge: "condensed_knowledge",
	TypeCultureMemory:      "culture_memory",
}

// PrimaryTypeName returns the registered name for a primary type code, or
// "unknown" for unregistered codes.
func PrimaryTypeName(code uint8) string {
	if name, ok := primaryTypeNames[code]; ok {
		return name
	}
	return "unknown"
}

// artifactTypeCodes maps the creator-declared artifact type to the primary
// type code rendered by clients.
var artifactTypeCodes = map[string]uint8{
	"beat":         TypePlayAudio,
	"song":         TypePlayAudio,
	"illustration": TypeDisplayImage,
	"short_film":   TypePlayVideo,
	"novel":        TypeRenderDocument,
	"library":      TypeRenderCode,
	"paper":        TypeDisplayResearch,
	"dataset":      TypeDisplayDataset,
	"3d_model":     TypeDisplay3D,
	"text":         TypeCultureMemory,
}

// PrimaryTypeFor resolves an artifact type string to a primary type code,
// falling back to condensed knowledge for unknown or absent artifacts.
func PrimaryTypeFor(artifactType string) uint8 {
	if code, ok := artifactTypeCodes[artifactType]; ok {
		return code
	}
	return TypeCondensedKnowledge
}

// Envelope errors, named by kind.
var (
	ErrMissingID         = errors.New("missing_id")
	ErrMissingHumanLayer = errors.New("missing_human_layer")
	ErrBufferTooSmall    = errors.New("buffer_too_small")
	ErrInvalidMagic      = errors.New("invalid_magic")
)

// Header is the decoded 48-byte envelope header.
//
// Layout (little-endian):
//
//	[0:4)   magic "CDTU"
//	[4:6)   version
//	[6]     format type (dtu/mega/hyper)
//	[7]     primary type
//	[8]     compression algorithm
//	[9]     layers bitfield
//	[10:18) artifact size
//	[18:26) total size
//	[26]    MIME length
//	[27:44) MIME bytes (zero padded, truncated at 17)
//	[44:48) CRC-32 (IEEE) over bytes [0:44)
type Header struct {
	Version      uint16
	FormatType   uint8
	PrimaryType  uint8
	Compression  uint8
	Layers       uint8
	ArtifactSize uint64
	TotalSize    uint64
	ArtifactMIME string
	CRC          uint32
}

// PrimaryTypeName is the registered name of the header's primary type.
func (h *Header) PrimaryTypeName() string { return PrimaryTypeName(h.PrimaryType) }

// HasLayer reports whether the bitfield marks the given layer present.
func (h *Header) HasLayer(bit uint8) bool { return h.Layers&bit != 0 }

func (h *Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = h.FormatType
	buf[7] = h.PrimaryType
	buf[8] = h.Compression
	buf[9] = h.Layers
	binary.LittleEndian.PutUint64(buf[10:18], h.ArtifactSize)
	binary.LittleEndian.PutUint64(buf[18:26], h.TotalSize)

	mime := h.ArtifactMIME
	if len(mime) > headerMIMEMax {
		mime = mime[:headerMIMEMax]
	}
	buf[26] = uint8(len(mime))
	copy(buf[27:27+headerMIMEMax], mime)

	crc := crc32.ChecksumIEEE(buf[:44])
	binary.LittleEndian.PutUint32(buf[44:48], crc)
	return buf
}

// parseHeader decodes and checksums a header. headerValid is false when the
// stored CRC does not match the header bytes.
func parseHeader(buf []byte) (*Header, bool, error) {
	if len(buf) < HeaderSize {
		return nil, false, ErrBufferTooSmall
	}
	if string(buf[0:4]) != Magic {
		return nil, false, ErrInvalidMagic
	}

	h := &Header{
		Version:      binary.LittleEndian.Uint16(buf[4:6]),
		FormatType:   buf[6],
		PrimaryType:  buf[7],
		Compression:  buf[8],
		Layers:       buf[9],
		ArtifactSize: binary.LittleEndian.Uint64(buf[10:18]),
		TotalSize:    binary.LittleEndian.Uint64(buf[18:26]),
		CRC:          binary.LittleEndian.Uint32(buf[44:48]),
	}
	mimeLen := int(buf[26])
	if mimeLen > headerMIMEMax {
		mimeLen = headerMIMEMax
	}
	h.ArtifactMIME = string(buf[27 : 27+mimeLen])

	valid := crc32.ChecksumIEEE(buf[:44]) == h.CRC
	return h, valid, nil
}

// Extension returns the file extension for a format type code.
func Extension(formatType uint8) string {
	switch formatType {
	case FormatMega:
		return ExtMega
	case FormatHyper:
		return ExtHyper
	default:
		return ExtDTU
	}
}
