// Package bundle reads compiler-embedded offload bundles.
//
// The compiler packs one code object per supported target into a bundled
// container and embeds zero or more containers, concatenated
// back-to-back, in a reserved section of the host binary and of every
// shared library carrying device code. This package decodes that wire
// format:
//   - container: magic, entry count, per-entry (object offset, object
//     size, entry-ID length, entry ID), object blobs at their declared
//     offsets relative to the container start
//   - compressed envelope: a "CBND" header wrapping a zstd-packed
//     container, carrying the raw size and a truncated BLAKE3 digest
//
// Total container length is recoverable from the header, so the next
// container can be located without re-parsing. Decoding a section stops
// at the first structurally invalid container; containers already
// decoded are kept.
package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// SectionName is the reserved ELF section the compiler embeds bundles in.
const SectionName = ".kernel"

// containerMagic opens every uncompressed bundled container.
var containerMagic = []byte("__PRISM_OFFLOAD_BUNDLE__")

// envelopeMagic opens a compressed container envelope.
var envelopeMagic = []byte("CBND")

// Envelope header fields.
const (
	envelopeVersion    = 1
	envelopeMethodZstd = 1
	envelopeDigestSize = 16
	envelopeHeaderSize = 4 + 2 + 2 + 8 + 8 + envelopeDigestSize
)

// Decode limits. Containers larger than these are treated as malformed.
const (
	MaxEntries    = 1 << 16
	MaxEntryID    = 4096
	MaxObjectSize = 1 << 31
)

// Bundle errors.
var (
	ErrMalformed      = errors.New("malformed bundle container")
	ErrTooLarge       = errors.New("bundle container exceeds decode limits")
	ErrUnknownMethod  = errors.New("unknown envelope compression method")
	ErrDigestMismatch = errors.New("envelope digest mismatch")
)

// Entry is one (entry ID, code object) pair of a container. The entry ID
// is the target triple the compiler emitted for the blob.
type Entry struct {
	ID     string
	Object []byte
}

// Container is an ordered sequence of entries behind one header.
type Container struct {
	Entries []Entry

	// Compressed records that the container arrived inside a zstd
	// envelope. Informational; tooling reports it.
	Compressed bool
}

// Containers decodes every container found back-to-back in a section's
// raw bytes. Decoding stops at the first structurally invalid container;
// everything decoded before it is returned. Trailing garbage therefore
// never raises an error.
func Containers(section []byte) []*Container {
	var out []*Container

	offset := 0
	for offset < len(section) {
		c, n, err := decodeAt(section[offset:])
		if err != nil {
			break
		}
		out = append(out, c)
		offset += n
	}
	return out
}

// decodeAt decodes one container (plain or enveloped) at the start of
// data and reports how many bytes it occupied, including alignment
// padding.
func decodeAt(data []byte) (*Container, int, error) {
	if bytes.HasPrefix(data, envelopeMagic) {
		return decodeEnvelope(data)
	}
	return decodeContainer(data)
}

// decodeContainer decodes a plain container at the start of data.
func decodeContainer(data []byte) (*Container, int, error) {
	if len(data) < len(containerMagic)+8 {
		return nil, 0, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if !bytes.HasPrefix(data, containerMagic) {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	le := binary.LittleEndian
	pos := len(containerMagic)
	count := le.Uint64(data[pos:])
	pos += 8

	if count > MaxEntries {
		return nil, 0, fmt.Errorf("%w: %d entries", ErrTooLarge, count)
	}

	c := &Container{}
	end := uint64(pos)

	for i := uint64(0); i < count; i++ {
		if len(data)-pos < 24 {
			return nil, 0, fmt.Errorf("%w: truncated entry %d", ErrMalformed, i)
		}
		objOffset := le.Uint64(data[pos:])
		objSize := le.Uint64(data[pos+8:])
		idLen := le.Uint64(data[pos+16:])
		pos += 24

		if idLen > MaxEntryID {
			return nil, 0, fmt.Errorf("%w: entry ID length %d", ErrTooLarge, idLen)
		}
		if uint64(len(data)-pos) < idLen {
			return nil, 0, fmt.Errorf("%w: truncated entry ID", ErrMalformed)
		}
		id := string(data[pos : pos+int(idLen)])
		pos += int(idLen)

		if objSize > MaxObjectSize {
			return nil, 0, fmt.Errorf("%w: object size %d", ErrTooLarge, objSize)
		}
		objEnd := objOffset + objSize
		if objEnd < objOffset || objEnd > uint64(len(data)) {
			return nil, 0, fmt.Errorf("%w: object range out of bounds", ErrMalformed)
		}

		// Blobs are immutable once published; copy out of the section.
		obj := make([]byte, objSize)
		copy(obj, data[objOffset:objEnd])
		c.Entries = append(c.Entries, Entry{ID: id, Object: obj})

		if objEnd > end {
			end = objEnd
		}
	}

	if uint64(pos) > end {
		end = uint64(pos)
	}

	total := align8(end)
	if total > uint64(len(data)) {
		// The final container of a section may lose its padding.
		total = uint64(len(data))
	}
	return c, int(total), nil
}

// Encode serializes the container in wire format, padded to 8 bytes so
// containers can be concatenated.
func (c *Container) Encode() []byte {
	le := binary.LittleEndian

	headerSize := uint64(len(containerMagic) + 8)
	for _, e := range c.Entries {
		headerSize += 24 + uint64(len(e.ID))
	}

	// Blobs follow the header, each 8-aligned.
	offsets := make([]uint64, len(c.Entries))
	pos := align8(headerSize)
	for i, e := range c.Entries {
		offsets[i] = pos
		pos = align8(pos + uint64(len(e.Object)))
	}

	out := make([]byte, pos)
	copy(out, containerMagic)
	le.PutUint64(out[len(containerMagic):], uint64(len(c.Entries)))

	w := len(containerMagic) + 8
	for i, e := range c.Entries {
		le.PutUint64(out[w:], offsets[i])
		le.PutUint64(out[w+8:], uint64(len(e.Object)))
		le.PutUint64(out[w+16:], uint64(len(e.ID)))
		w += 24
		copy(out[w:], e.ID)
		w += len(e.ID)
	}
	for i, e := range c.Entries {
		copy(out[offsets[i]:], e.Object)
	}
	return out
}

// Shared zstd coders, created on first use.
var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdEncoder *zstd.Encoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil)
		zstdEncoder, _ = zstd.NewWriter(nil)
	})
}

// decodeEnvelope decodes a compressed container envelope at the start of
// data: unwrap zstd, verify the digest, then decode the inner container.
func decodeEnvelope(data []byte) (*Container, int, error) {
	if len(data) < envelopeHeaderSize {
		return nil, 0, fmt.Errorf("%w: short envelope header", ErrMalformed)
	}

	le := binary.LittleEndian
	version := le.Uint16(data[4:])
	method := le.Uint16(data[6:])
	rawSize := le.Uint64(data[8:])
	packedSize := le.Uint64(data[16:])
	var digest [envelopeDigestSize]byte
	copy(digest[:], data[24:])

	if version != envelopeVersion {
		return nil, 0, fmt.Errorf("%w: envelope version %d", ErrMalformed, version)
	}
	if method != envelopeMethodZstd {
		return nil, 0, fmt.Errorf("%w: method %d", ErrUnknownMethod, method)
	}
	if rawSize > MaxObjectSize || packedSize > uint64(len(data)-envelopeHeaderSize) {
		return nil, 0, fmt.Errorf("%w: envelope sizes", ErrTooLarge)
	}

	packed := data[envelopeHeaderSize : envelopeHeaderSize+int(packedSize)]

	zstdInit()
	raw, err := zstdDecoder.DecodeAll(packed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
	}
	if uint64(len(raw)) != rawSize {
		return nil, 0, fmt.Errorf("%w: raw size %d, header says %d", ErrMalformed, len(raw), rawSize)
	}

	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:envelopeDigestSize], digest[:]) {
		return nil, 0, ErrDigestMismatch
	}

	c, _, err := decodeContainer(raw)
	if err != nil {
		return nil, 0, err
	}
	c.Compressed = true

	total := align8(envelopeHeaderSize + packedSize)
	if total > uint64(len(data)) {
		total = uint64(len(data))
	}
	return c, int(total), nil
}

// EncodeCompressed serializes the container inside a zstd envelope.
func (c *Container) EncodeCompressed() []byte {
	raw := c.Encode()

	zstdInit()
	packed := zstdEncoder.EncodeAll(raw, nil)
	sum := blake3.Sum256(raw)

	le := binary.LittleEndian
	out := make([]byte, align8(envelopeHeaderSize+uint64(len(packed))))
	copy(out, envelopeMagic)
	le.PutUint16(out[4:], envelopeVersion)
	le.PutUint16(out[6:], envelopeMethodZstd)
	le.PutUint64(out[8:], uint64(len(raw)))
	le.PutUint64(out[16:], uint64(len(packed)))
	copy(out[24:], sum[:envelopeDigestSize])
	copy(out[envelopeHeaderSize:], packed)
	return out
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
