package decode

import (
	"bytes"
	"errors"
	"image"
	"io"
	"os"

	// registered image formats
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"golang.org/x/xerrors"
)

// Options controls decoding
type Options struct {
	// MaxPixelSize bounds the decoded buffer. A zero dimension is unbounded.
	MaxPixelSize Size
}

// Decoder decodes images from memory or from a file
type Decoder interface {
	DecodeBytes(data []byte, opts Options) (*Image, error)
	DecodeFile(path string, opts Options) (*Image, error)
}

// ImageDecoder implements Decoder with the registered image formats
type ImageDecoder struct {
	filter imaging.ResampleFilter
}

// NewImageDecoder creates a new ImageDecoder
func NewImageDecoder() *ImageDecoder {
	return &ImageDecoder{
		filter: imaging.Lanczos,
	}
}

// DecodeBytes decodes an in-memory buffer
func (decoder *ImageDecoder) DecodeBytes(data []byte, opts Options) (*Image, error) {
	return decoder.decode(bytes.NewReader(data), opts)
}

// DecodeFile decodes the file at path
func (decoder *ImageDecoder) DecodeFile(path string, opts Options) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open image file %s: %w", path, err)
	}
	defer f.Close()

	return decoder.decode(f, opts)
}

func (decoder *ImageDecoder) decode(reader io.ReadSeeker, opts Options) (*Image, error) {
	config, format, err := image.DecodeConfig(reader)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, &DecodeError{Kind: ErrNotAnImage, Err: err}
		}
		return nil, &DecodeError{Kind: ErrCorruptData, Format: format, Err: err}
	}

	orientation := OrientationUp
	if format == "jpeg" {
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return nil, xerrors.Errorf("failed to rewind image data: %w", err)
		}
		orientation = ReadJPEGOrientation(reader)
	}

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("failed to rewind image data: %w", err)
	}

	pixels, _, err := image.Decode(reader)
	if err != nil {
		return nil, &DecodeError{Kind: ErrCorruptData, Format: format, Err: err}
	}

	pixels = decoder.fit(pixels, opts.MaxPixelSize)

	return &Image{
		Pixels: pixels,
		NaturalSize: Size{
			Width:  config.Width,
			Height: config.Height,
		},
		Orientation: orientation,
		Format:      format,
	}, nil
}

// fit downscales pixels to fit within maxSize, keeping the aspect ratio
func (decoder *ImageDecoder) fit(pixels image.Image, maxSize Size) image.Image {
	if maxSize.IsZero() {
		return pixels
	}

	bounds := pixels.Bounds()
	maxWidth := maxSize.Width
	if maxWidth <= 0 {
		maxWidth = bounds.Dx()
	}
	maxHeight := maxSize.Height
	if maxHeight <= 0 {
		maxHeight = bounds.Dy()
	}

	if bounds.Dx() <= maxWidth && bounds.Dy() <= maxHeight {
		return pixels
	}

	return imaging.Fit(pixels, maxWidth, maxHeight, decoder.filter)
}
