package pipeline

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestEncodeImage_Pure(t *testing.T) {
	t.Parallel()

	in := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	orig := bytes.Clone(in)

	a := EncodeImage(in)
	b := EncodeImage(in)
	if a != b {
		t.Fatalf("EncodeImage not deterministic: %q vs %q", a, b)
	}
	if !bytes.Equal(in, orig) {
		t.Fatal("EncodeImage modified its input")
	}
	dec, err := base64.StdEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("output is not standard base64: %v", err)
	}
	if !bytes.Equal(dec, in) {
		t.Error("decoded output differs from input")
	}
}

func TestEncodeImage_Empty(t *testing.T) {
	t.Parallel()
	if got := EncodeImage(nil); got != "" {
		t.Errorf("EncodeImage(nil) = %q, want empty", got)
	}
}

func TestImageDataURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"png", pngHeader, "data:image/png;base64,"},
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xdb, 0, 0}, "data:image/jpeg;base64,"},
		{"unknown falls back to jpeg", []byte("plain words"), "data:image/jpeg;base64,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ImageDataURL(tt.in)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("ImageDataURL = %q, want prefix %q", got, tt.want)
			}
			if !strings.HasSuffix(got, EncodeImage(tt.in)) {
				t.Errorf("ImageDataURL = %q, missing payload", got)
			}
		})
	}
}

func TestDecodedImageMIME(t *testing.T) {
	t.Parallel()

	if got := DecodedImageMIME(EncodeImage(pngHeader)); got != "image/png" {
		t.Errorf("png: got %q", got)
	}
	if got := DecodedImageMIME(""); got != "image/jpeg" {
		t.Errorf("empty: got %q", got)
	}
	if got := DecodedImageMIME("!!!!"); got != "image/jpeg" {
		t.Errorf("garbage: got %q", got)
	}
	big := bytes.Repeat([]byte{0xff, 0xd8, 0xff, 0xe0}, 400)
	if got := DecodedImageMIME(EncodeImage(big)); got != "image/jpeg" {
		t.Errorf("large jpeg: got %q", got)
	}
}
