package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used to compress a frame's body. Values are stored in
// frame headers, and changing them breaks compatibility.
type Compression uint8

const (
	// CompressionNone stores the body as is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression. Faster, with lower ratio.
	CompressionLZ4 Compression = 1
	// CompressionZstd uses zstd at its default level.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// ParseCompression parses a compression from its name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("unknown compression: %q", name)
}

// A frame is laid out as:
//
//	+-------+-------------+-------------------+------+
//	| magic | compression | uncompressed size | body |
//	+-------+-------------+-------------------+------+
//	  4 B        1 B            uvarint
var magic = [4]byte{'C', 'T', 'R', 'E'}

// maxBodySize bounds the allocation for a frame's uncompressed body.
const maxBodySize = 1 << 28

// maxLZ4Ratio bounds how much an LZ4 block can expand. Each extra length byte adds at most 255
// bytes to a match.
const maxLZ4Ratio = 255

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxBodySize),
	)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// Wraps body in a frame, compressing it. If the body doesn't shrink, it's stored uncompressed.
func frame(c Compression, body []byte) ([]byte, error) {
	var compressed []byte
	var err error
	switch c {
	case CompressionNone:
		compressed = body
	case CompressionLZ4:
		compressed, err = compressLZ4(body)
	case CompressionZstd:
		compressed, err = compressZstd(body)
	default:
		return nil, fmt.Errorf("unsupported compression: %v", c)
	}
	if errors.Is(err, errIncompressible) {
		c, compressed, err = CompressionNone, body, nil
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(magic)+1+binary.MaxVarintLen64+len(compressed))
	data = append(data, magic[:]...)
	data = append(data, byte(c))
	data = binary.AppendUvarint(data, uint64(len(body)))
	return append(data, compressed...), nil
}

// Returns the uncompressed body of a frame.
func unframe(data []byte) ([]byte, error) {
	if len(data) < len(magic)+2 || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFrame)
	}
	c := Compression(data[len(magic)])
	size, n := binary.Uvarint(data[len(magic)+1:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad size", ErrInvalidFrame)
	}
	if size > maxBodySize {
		return nil, fmt.Errorf("%w: body size %d exceeds limit", ErrInvalidFrame, size)
	}
	compressed := data[len(magic)+1+n:]
	var body []byte
	var err error
	switch c {
	case CompressionNone:
		if uint64(len(compressed)) != size {
			return nil, fmt.Errorf("%w: body has %d bytes, expected %d", ErrInvalidFrame, len(compressed), size)
		}
		body = compressed
	case CompressionLZ4:
		body, err = decompressLZ4(compressed, int(size))
	case CompressionZstd:
		body, err = decompressZstd(compressed, int(size))
	default:
		return nil, fmt.Errorf("%w: unsupported compression %v", ErrInvalidFrame, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return body, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 when the data is incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	if size > maxLZ4Ratio*len(compressed) {
		return nil, fmt.Errorf("lz4 decompress: %d bytes can't expand to %d", len(compressed), size)
	}
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// The declared size is only trusted up to the LZ4 ratio for preallocation. zstd frames may expand
// further, and the decoder enforces maxBodySize by itself.
func decompressZstd(compressed []byte, size int) ([]byte, error) {
	capacity := min(size, maxLZ4Ratio*len(compressed))
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, capacity))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
