// Package decode turns stored or downloaded bytes into displayable images.
package decode

import (
	"fmt"
	"image"
)

// Orientation is the EXIF orientation of the source image (1..8)
type Orientation int

const (
	// OrientationUp is the default orientation
	OrientationUp            Orientation = 1
	OrientationUpMirrored    Orientation = 2
	OrientationDown          Orientation = 3
	OrientationDownMirrored  Orientation = 4
	OrientationLeftMirrored  Orientation = 5
	OrientationRight         Orientation = 6
	OrientationRightMirrored Orientation = 7
	OrientationLeft          Orientation = 8
)

// IsValid returns true for orientations 1..8
func (o Orientation) IsValid() bool {
	return o >= OrientationUp && o <= OrientationLeft
}

// Size is a size in pixels
type Size struct {
	Width  int
	Height int
}

// IsZero returns true if both dimensions are zero
func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

// String stringifies the size
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Image is a decoded image
type Image struct {
	// Pixels is the decoded buffer, possibly downscaled
	Pixels image.Image
	// NaturalSize is the size of the source image, which may differ from the buffer
	NaturalSize Size
	Orientation Orientation
	Format      string
}

// PixelSize returns the size of the decoded buffer
func (img *Image) PixelSize() Size {
	if img.Pixels == nil {
		return Size{}
	}

	bounds := img.Pixels.Bounds()
	return Size{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}
}

// Cost returns an estimate of the memory held by the decoded buffer in bytes
func (img *Image) Cost() int64 {
	size := img.PixelSize()
	return int64(size.Width) * int64(size.Height) * 4
}

// ToString stringifies the object
func (img *Image) ToString() string {
	return fmt.Sprintf("<Image %s natural=%s pixels=%s orientation=%d>", img.Format, img.NaturalSize, img.PixelSize(), img.Orientation)
}
