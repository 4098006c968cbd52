package notes

import "testing"

func TestContentRoundTripsExactly(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "structured-document", content: `{"blocks":[{"type":"paragraph","text":"héllo   world"}]}`},
		{name: "whitespace-preserved", content: "  {\n\t\"a\": 1\n}  "},
		{name: "not-json", content: "plain text, the store must not care"},
		{name: "binary-ish", content: string([]byte{0x00, 0xff, 0x1b, 0x7f})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := compressContent(tt.content)
			if err != nil {
				t.Fatalf("compress failed: %v", err)
			}
			restored, err := decompressContent(compressed)
			if err != nil {
				t.Fatalf("decompress failed: %v", err)
			}
			if restored != tt.content {
				t.Fatalf("content did not round-trip: %q != %q", restored, tt.content)
			}
		})
	}
}

func TestDecompressRejectsCorruptBlob(t *testing.T) {
	if _, err := decompressContent([]byte("not gzip")); err == nil {
		t.Fatalf("expected error for corrupt blob")
	}
}
