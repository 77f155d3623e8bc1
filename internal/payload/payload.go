// Package payload sniffs producer messages and turns them into encoded image
// container bytes.
package payload

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

var (
	dataSignature = []byte("data:")
	imagePrefix   = "data:image"
)

// Classify tags a raw message. It never fails; anything it cannot place is
// PayloadUnrecognized.
//
// Some transports collapse text frames into binary ones, so a binary message
// starting with "data:" is treated as text.
func Classify(raw types.RawMessage) types.Payload {
	if len(raw.Data) == 0 {
		return types.Payload{Kind: types.PayloadUnrecognized}
	}

	if raw.Text || bytes.HasPrefix(raw.Data, dataSignature) {
		text := string(raw.Data)
		if strings.HasPrefix(text, imagePrefix) {
			return types.Payload{Kind: types.PayloadDataURI, Text: text}
		}
		return types.Payload{Kind: types.PayloadUnrecognized}
	}

	return types.Payload{Kind: types.PayloadRawBinary, Data: raw.Data}
}

// Normalize extracts container bytes from a classified payload. RawBinary
// bytes are returned as-is (same backing array).
func Normalize(p types.Payload, maxBytes int) ([]byte, error) {
	switch p.Kind {
	case types.PayloadDataURI:
		return decodeDataURI(p.Text, maxBytes)
	case types.PayloadRawBinary:
		return p.Data, nil
	case types.PayloadUnrecognized:
		return nil, apperr.New(apperr.KindClassification, "normalize", "unknown format")
	default:
		return nil, apperr.New(apperr.KindClassification, "normalize", "unknown payload kind")
	}
}

func decodeDataURI(text string, maxBytes int) ([]byte, error) {
	if maxBytes > 0 && len(text) > maxBytes {
		return nil, apperr.New(apperr.KindTooLarge, "normalize", "payload too large")
	}

	comma := strings.IndexByte(text, ',')
	if comma < 0 {
		return nil, apperr.New(apperr.KindMalformed, "normalize", "data uri has no comma")
	}

	encoded := strings.TrimSpace(text[comma+1:])
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some encoders drop the trailing padding.
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, apperr.Wrap(apperr.KindMalformed, "normalize", "invalid base64", err)
		}
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindMalformed, "normalize", "empty image data")
	}
	return data, nil
}

// MediaType returns the MIME type declared by a data URI ("image/png"), or ""
// when the header has none.
func MediaType(text string) string {
	if !strings.HasPrefix(text, "data:") {
		return ""
	}
	header := text[len("data:"):]
	if comma := strings.IndexByte(header, ','); comma >= 0 {
		header = header[:comma]
	}
	if semi := strings.IndexByte(header, ';'); semi >= 0 {
		header = header[:semi]
	}
	return header
}
