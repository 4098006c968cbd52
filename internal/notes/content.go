package notes

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// The content blob is opaque to this package. The store only compresses it
// at rest and must round-trip it byte for byte; no structure is assumed or
// validated after decompression.

func compressContent(content string) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("notes: compress content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("notes: compress content: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressContent(blob []byte) (string, error) {
	reader, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("notes: decompress content: %w", err)
	}
	defer reader.Close() //nolint:errcheck
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("notes: decompress content: %w", err)
	}
	return string(raw), nil
}
