package pipeline

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// EncodeImage returns the standard base64 encoding of b. It is pure: equal
// inputs always produce equal outputs and b is not modified.
func EncodeImage(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// ImageDataURL wraps raw image bytes in a data URL with a sniffed MIME type.
// Unknown content falls back to image/jpeg, which vision APIs accept most
// widely.
func ImageDataURL(b []byte) string {
	return DataURL(http.DetectContentType(b), EncodeImage(b))
}

// DataURL joins an already encoded payload with its MIME type.
func DataURL(mime, encoded string) string {
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + encoded
}

// DecodedImageMIME sniffs the MIME type of a base64 encoded image. An empty
// or undecodable input yields image/jpeg.
func DecodedImageMIME(encoded string) string {
	n := min(len(encoded), 684) // 512 decoded bytes is all DetectContentType looks at
	n -= n % 4
	head, err := base64.StdEncoding.DecodeString(encoded[:n])
	if err != nil || len(head) == 0 {
		return "image/jpeg"
	}
	return http.DetectContentType(head)
}
