// Package transcode decodes image containers and re-encodes them as PNG,
// WebP or JPEG frames.
package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"

	_ "image/gif" // Register GIF decoder

	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Quality limits for lossy encoders. Runtime settings validate against the
// same bounds.
const (
	MinQuality     = 10
	MaxQuality     = 100
	DefaultQuality = 90
)

// PNGCompression is the fixed effort used for every PNG encode. Frames are
// live previews, so speed wins over size.
const PNGCompression = png.BestSpeed

// Options configures a Transcoder.
type Options struct {
	// MaxDimension bounds the longest edge of encoded frames (0 = no limit).
	MaxDimension int
}

// Transcoder converts encoded images between formats. It holds no per-call
// state and is safe for concurrent use.
type Transcoder struct {
	opts    Options
	pngPool *bufferPool

	placeholderOnce sync.Once
	placeholders    map[types.Format]*types.EncodedFrame
}

// New returns a Transcoder.
func New(opts Options) *Transcoder {
	if opts.MaxDimension < 0 {
		opts.MaxDimension = 0
	}
	return &Transcoder{
		opts:    opts,
		pngPool: &bufferPool{},
	}
}

// Decode parses an image container. The returned name is the registered
// format name ("png", "jpeg", "webp", ...).
func (t *Transcoder) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", apperr.New(apperr.KindDecode, "decode", "empty image data")
	}
	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindDecode, "decode", "invalid image", err)
	}
	return img, name, nil
}

// Encode writes img in the target format. quality applies to WebP and JPEG.
func (t *Transcoder) Encode(img image.Image, target types.Format, quality int) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, apperr.New(apperr.KindEncode, "encode", fmt.Sprintf("invalid image size %dx%d", b.Dx(), b.Dy()))
	}
	quality = clampQuality(quality)

	var buf bytes.Buffer
	var err error
	switch target {
	case types.FormatPNG:
		enc := png.Encoder{CompressionLevel: PNGCompression, BufferPool: t.pngPool}
		err = enc.Encode(&buf, img)
	case types.FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case types.FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	default:
		return nil, apperr.New(apperr.KindEncode, "encode", fmt.Sprintf("unsupported format %q", target))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEncode, "encode", string(target), err)
	}
	return buf.Bytes(), nil
}

// Transcode decodes data and re-encodes it as target.
func (t *Transcoder) Transcode(data []byte, target types.Format, quality int) (*types.EncodedFrame, error) {
	img, source, err := t.Decode(data)
	if err != nil {
		return nil, err
	}

	img = t.fit(img)
	encoded, err := t.Encode(img, target, quality)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &types.EncodedFrame{
		Data:         encoded,
		Format:       target,
		Size:         len(encoded),
		Width:        b.Dx(),
		Height:       b.Dy(),
		CreatedAt:    time.Now(),
		SourceFormat: source,
		SourceSize:   len(data),
	}, nil
}

// Convert returns frame in the target format, re-encoding only when the
// formats differ. The result keeps frame's Seq.
func (t *Transcoder) Convert(frame *types.EncodedFrame, target types.Format, quality int) (*types.EncodedFrame, error) {
	if frame.Format == target {
		return frame, nil
	}
	out, err := t.Transcode(frame.Data, target, quality)
	if err != nil {
		return nil, err
	}
	out.Seq = frame.Seq
	out.SourceFormat = string(frame.Format)
	return out, nil
}

// fit downscales img so its longest edge is at most MaxDimension.
func (t *Transcoder) fit(img image.Image) image.Image {
	limit := t.opts.MaxDimension
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if limit <= 0 || (w <= limit && h <= limit) {
		return img
	}

	tw, th := limit, limit
	if w >= h {
		th = max(1, h*limit/w)
	} else {
		tw = max(1, w*limit/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func clampQuality(q int) int {
	if q <= 0 {
		return DefaultQuality
	}
	return min(max(q, MinQuality), MaxQuality)
}

// bufferPool lets concurrent PNG encodes reuse zlib state.
type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() *png.EncoderBuffer {
	if b, ok := p.pool.Get().(*png.EncoderBuffer); ok {
		return b
	}
	return nil
}

func (p *bufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}
