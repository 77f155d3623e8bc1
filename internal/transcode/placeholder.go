package transcode

import (
	"image"
	"image/color"
	"time"

	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Placeholder returns a 1x1 black frame in the requested format. Consumers
// that poll before the first frame arrives get a valid image instead of an
// HTTP error. Frames are built once and shared.
func (t *Transcoder) Placeholder(format types.Format) *types.EncodedFrame {
	t.placeholderOnce.Do(t.buildPlaceholders)
	if p, ok := t.placeholders[format]; ok {
		return p
	}
	return t.placeholders[types.FormatPNG]
}

func (t *Transcoder) buildPlaceholders() {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{A: 255})

	t.placeholders = make(map[types.Format]*types.EncodedFrame, len(types.Formats))
	for _, f := range types.Formats {
		data, err := t.Encode(img, f, DefaultQuality)
		if err != nil {
			// PNG of a 1x1 RGBA cannot fail; other formats fall back to it.
			logger.Error("Transcoder", "Placeholder %s encode failed: %v", f, err)
			continue
		}
		t.placeholders[f] = &types.EncodedFrame{
			Data:      data,
			Format:    f,
			Size:      len(data),
			Width:     1,
			Height:    1,
			CreatedAt: time.Now(),
		}
	}
}
