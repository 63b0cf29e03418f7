package rudp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"
)

// Compression selects the per-packet payload compressor. Payloads that
// do not shrink are sent as-is; the receiver handles every algorithm
// regardless of its own setting.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// minCompressSize is the smallest payload worth compressing.
const minCompressSize = 64

var errIncompressible = errors.New("incompressible")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, name)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Compression) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseCompression(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Compression) MarshalYAML() (any, error) { return c.String(), nil }

// compressPayload returns the framed compressed form of data, or false
// if compression is off or does not help. The frame is the algorithm
// byte, the uncompressed length as a uvarint, then the compressed bytes.
func compressPayload(data []byte, algorithm Compression) ([]byte, bool) {
	if algorithm == CompressionNone || len(data) < minCompressSize {
		return nil, false
	}

	var compressed []byte
	var err error
	switch algorithm {
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}

	frame := make([]byte, 0, 1+binary.MaxVarintLen64+len(compressed))
	frame = append(frame, byte(algorithm))
	frame = binary.AppendUvarint(frame, uint64(len(data)))
	frame = append(frame, compressed...)
	if len(frame) >= len(data) {
		return nil, false
	}
	return frame, true
}

// decompressPayload reverses compressPayload.
func decompressPayload(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: short compression frame", ErrPayloadDecode)
	}
	algorithm := Compression(frame[0])
	size, n := binary.Uvarint(frame[1:])
	if n <= 0 || size > MaxPacketSize {
		return nil, fmt.Errorf("%w: bad uncompressed length", ErrPayloadDecode)
	}
	body := frame[1+n:]

	var data []byte
	var err error
	switch algorithm {
	case CompressionLZ4:
		data, err = decompressLZ4(body, int(size))
	case CompressionZstd:
		data, err = decompressZstd(body, int(size))
	default:
		err = fmt.Errorf("unknown algorithm %d", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	return data, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
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
	encoder := process.zstdEncoder()
	if encoder == nil {
		return nil, ErrInitialization
	}
	compressed := encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	decoder := process.zstdDecoder()
	if decoder == nil {
		return nil, ErrInitialization
	}
	result, err := decoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

// newZstdCodecs builds the process-wide zstd encoder and decoder. Both are
// safe for concurrent use by every Host.
func newZstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, nil, err
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxPacketSize),
	)
	if err != nil {
		encoder.Close()
		return nil, nil, err
	}
	return encoder, decoder, nil
}
