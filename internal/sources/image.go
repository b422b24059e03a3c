package sources

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

var gifMagic = [][]byte{[]byte("GIF87a"), []byte("GIF89a")}

// isGIF sniffs the file signature; extensions are not trusted.
func isGIF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, 6)
	if _, err := io.ReadFull(f, head); err != nil {
		return false, nil
	}
	for _, m := range gifMagic {
		if bytes.Equal(head, m) {
			return true, nil
		}
	}
	return false, nil
}

func openError(path string, err error) error {
	if os.IsNotExist(err) || os.IsPermission(err) {
		return fmt.Errorf("open image %s: %w: %v", path, gpu.ErrInvalidArg, err)
	}
	return fmt.Errorf("open image %s: %w", path, err)
}

func newImageSource(desc capture.Descriptor) (capture.Backend, error) {
	gif, err := isGIF(desc.Locator)
	if err != nil {
		return nil, openError(desc.Locator, err)
	}
	if gif {
		log.Debug("image source is a GIF, using animated backend", "locator", desc.Locator)
		return newAnimatedImage(desc)
	}
	return &imageSource{path: desc.Locator}, nil
}

func resolveImageSource(desc capture.Descriptor) (image.Rectangle, error) {
	f, err := os.Open(desc.Locator)
	if err != nil {
		return image.Rectangle{}, openError(desc.Locator, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("decode image %s: %w", desc.Locator, err)
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}

// imageSource produces a single frame from a still image file.
type imageSource struct {
	frameBuffer
	path      string
	delivered bool
}

func (s *imageSource) StartCapture(capture.Descriptor) error {
	f, err := os.Open(s.path)
	if err != nil {
		return openError(s.path, err)
	}
	defer f.Close()
	img, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("decode image %s: %w", s.path, err)
	}
	s.img = toRGBA(img)
	log.Debug("image loaded", "locator", s.path, "format", format, "size", s.img.Rect.Size().String())
	return nil
}

func (s *imageSource) AcquireNextFrame(timeout time.Duration) error {
	if s.delivered {
		time.Sleep(timeout)
		return gpu.ErrWaitTimeout
	}
	s.delivered = true
	s.dirty = true
	return nil
}
