package grpc

import "testing"

func TestCompressorsRoundTrip(t *testing.T) {
	zstdCompressor, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd compressor: %v", err)
	}
	payload := []byte("hello world hello world hello world")
	for _, compressor := range []Compressor{NewGZIPCompressor(), zstdCompressor} {
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress: %v", compressor.Name(), err)
		}
		if len(compressed) == 0 {
			t.Fatalf("%s compressed payload empty", compressor.Name())
		}
		decompressed, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress: %v", compressor.Name(), err)
		}
		if string(decompressed) != string(payload) {
			t.Fatalf("%s round trip mismatch: got %q want %q", compressor.Name(), decompressed, payload)
		}
	}
}

func TestDecompressEmpty(t *testing.T) {
	zstdCompressor, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd compressor: %v", err)
	}
	for _, compressor := range []Compressor{NewGZIPCompressor(), zstdCompressor} {
		if _, err := compressor.Decompress(nil); err == nil {
			t.Fatalf("%s: expected error for empty payload", compressor.Name())
		}
	}
}
