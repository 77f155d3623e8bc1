package types

import (
	"fmt"
	"strings"
	"time"
)

// Format identifies an output image container.
type Format string

// Supported output formats
const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
)

// Formats lists every output format in a stable order.
var Formats = []Format{FormatPNG, FormatWebP, FormatJPEG}

// ParseFormat maps a user supplied name ("png", "WEBP", "jpg", ...) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("unsupported format: %q", s)
	}
}

// MIMEType returns the Content-Type for the format.
func (f Format) MIMEType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Lossy reports whether the quality setting applies to the format.
func (f Format) Lossy() bool {
	return f == FormatWebP || f == FormatJPEG
}

func (f Format) String() string {
	return string(f)
}

// RawMessage is one payload as received from a producer transport.
type RawMessage struct {
	Text bool   // Delivered as a text frame
	Data []byte // Message body
}

// PayloadKind tags a classified payload.
type PayloadKind uint8

const (
	PayloadUnrecognized PayloadKind = iota
	PayloadDataURI
	PayloadRawBinary
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadDataURI:
		return "data-uri"
	case PayloadRawBinary:
		return "binary"
	default:
		return "unrecognized"
	}
}

// Payload is the classifier output. Exactly one of Text/Data is meaningful,
// selected by Kind.
type Payload struct {
	Kind PayloadKind
	Text string // PayloadDataURI
	Data []byte // PayloadRawBinary
}

// EncodedFrame is an immutable, ready-to-serve image. It must not be
// modified after construction; holders swap the pointer instead.
type EncodedFrame struct {
	Data         []byte    // Encoded image bytes
	Format       Format    // Container of Data
	Size         int       // len(Data)
	Width        int       // Pixel width
	Height       int       // Pixel height
	CreatedAt    time.Time // Encode completion time
	Seq          uint64    // Store sequence number, assigned on Put
	SourceFormat string    // Container the producer sent (png, jpeg, ...)
	SourceSize   int       // Bytes of the producer container
}

// WithSeq returns a copy carrying seq. Data is shared, never copied.
func (f *EncodedFrame) WithSeq(seq uint64) *EncodedFrame {
	c := *f
	c.Seq = seq
	return &c
}
