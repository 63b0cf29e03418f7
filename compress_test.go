package rudp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestCompressionRoundTrip(t *testing.T) {
	text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	for _, algorithm := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			frame, ok := compressPayload(text, algorithm)
			if !ok {
				t.Fatal("compressible payload was not compressed")
			}
			if len(frame) >= len(text) {
				t.Errorf("frame of %d bytes for %d input bytes", len(frame), len(text))
			}
			if Compression(frame[0]) != algorithm {
				t.Errorf("frame tagged %d", frame[0])
			}
			got, err := decompressPayload(frame)
			if err != nil {
				t.Fatalf("decompressPayload: %v", err)
			}
			if !bytes.Equal(got, text) {
				t.Error("round trip changed the payload")
			}
		})
	}
}

func TestCompressionSkipped(t *testing.T) {
	random := make([]byte, 4096)
	rand.Read(random)
	tests := []struct {
		name      string
		data      []byte
		algorithm Compression
	}{
		{"disabled", bytes.Repeat([]byte{'a'}, 4096), CompressionNone},
		{"too small", bytes.Repeat([]byte{'a'}, minCompressSize-1), CompressionLZ4},
		{"incompressible lz4", random, CompressionLZ4},
		{"incompressible zstd", random, CompressionZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if frame, ok := compressPayload(tt.data, tt.algorithm); ok {
				t.Errorf("compressed to %d bytes", len(frame))
			}
		})
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	valid, _ := compressPayload(bytes.Repeat([]byte("abcd"), 100), CompressionLZ4)
	lying := bytes.Clone(valid)
	lying[1]++ // claims one more byte than the block holds

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"one byte", []byte{byte(CompressionLZ4)}},
		{"unknown algorithm", []byte{9, 4, 1, 2, 3, 4}},
		{"oversized length", append([]byte{byte(CompressionLZ4)}, 0xFF, 0xFF, 0xFF, 0xFF, 0x0F)},
		{"lz4 garbage", []byte{byte(CompressionLZ4), 100, 0xF0, 0x00}},
		{"zstd garbage", []byte{byte(CompressionZstd), 100, 1, 2, 3, 4, 5}},
		{"wrong length", lying},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decompressPayload(tt.frame); !errors.Is(err, ErrPayloadDecode) {
				t.Errorf("decompressPayload = %v, want ErrPayloadDecode", err)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "lz4": CompressionLZ4, "zstd": CompressionZstd} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCompression("gzip"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseCompression(gzip) = %v, want ErrInvalidArgument", err)
	}
}
