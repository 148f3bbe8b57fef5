package worker

import (
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	// Registered for image.DecodeConfig header sniffing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/marcus/warden/internal/protocol"
)

// DefaultMaxImageDim is the per-axis pixel limit the engine enforces on
// inline images. An oversized image does not merely fail the current turn:
// once baked into the transcript it poisons every subsequent resume, so it
// must be rejected before it ever reaches the engine.
const DefaultMaxImageDim = 8000

// checkImage verifies an image's pixel dimensions against max, reading only
// the header bytes. The base64 payload is decoded lazily; the pixel data is
// never touched.
func checkImage(img protocol.Image, max int) error {
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(img.Data))
	cfg, format, err := image.DecodeConfig(dec)
	if err != nil {
		return fmt.Errorf("unreadable image header (%s): %w", img.MediaType, err)
	}
	if cfg.Width > max || cfg.Height > max {
		return fmt.Errorf("%s image is %dx%d, exceeds %dx%d limit", format, cfg.Width, cfg.Height, max, max)
	}
	return nil
}

// admitImages filters out images the engine would reject, logging each drop.
// The turn still proceeds with whatever remains.
func (l *Loop) admitImages(imgs []protocol.Image) []protocol.Image {
	if len(imgs) == 0 {
		return nil
	}
	kept := make([]protocol.Image, 0, len(imgs))
	for i, img := range imgs {
		if err := checkImage(img, l.maxImageDim); err != nil {
			l.log.WarnCtx("dropping image attachment", map[string]any{
				"index": i,
				"error": err.Error(),
			})
			continue
		}
		kept = append(kept, img)
	}
	return kept
}
