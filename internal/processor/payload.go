// payload.go - Upload payload decoding and content sniffing

package processor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// PayloadClass groups MIME types into what the backends care about.
type PayloadClass string

const (
	ClassImage   PayloadClass = "image"
	ClassPDF     PayloadClass = "pdf"
	ClassUnknown PayloadClass = "unknown"
)

var ErrEmptyPayload = errors.New("payload is empty")

var supportedImages = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Payload is a decoded upload with its sniffed type.
type Payload struct {
	Data     []byte
	MIMEType string
	Class    PayloadClass
}

// DecodePayload accepts raw file bytes or a data URL
// ("data:image/png;base64,....") and returns the binary content with its
// detected MIME type. The declared type of a data URL is not trusted; the
// bytes are always sniffed.
func DecodePayload(raw []byte) (*Payload, error) {
	data := raw
	if bytes.HasPrefix(raw, []byte("data:")) {
		decoded, err := decodeDataURL(string(raw))
		if err != nil {
			return nil, err
		}
		data = decoded
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	mt := mimetype.Detect(data)
	mimeType := strings.SplitN(mt.String(), ";", 2)[0]

	class := ClassUnknown
	switch {
	case mt.Is("application/pdf"):
		class = ClassPDF
		mimeType = "application/pdf"
	case supportedImages[mimeType]:
		class = ClassImage
	}

	return &Payload{Data: data, MIMEType: mimeType, Class: class}, nil
}

func decodeDataURL(s string) ([]byte, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URL: missing ','")
	}
	meta, body := s[len("data:"):comma], s[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("malformed data URL: only base64 data URLs are supported")
	}

	body = strings.TrimSpace(body)
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		// some clients strip padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
		if err != nil {
			return nil, fmt.Errorf("malformed data URL: %w", err)
		}
	}
	return data, nil
}

// DataURL encodes bytes as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
