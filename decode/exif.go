package decode

import (
	"bufio"
	"encoding/binary"
	"io"
)

const (
	jpegMarkerSOI  byte   = 0xD8
	jpegMarkerAPP1 byte   = 0xE1
	jpegMarkerSOS  byte   = 0xDA
	jpegMarkerEOI  byte   = 0xD9
	exifTagOrient  uint16 = 0x0112
	maxAPP1Length  int    = 64 * 1024
)

var exifHeader = []byte{'E', 'x', 'i', 'f', 0, 0}

// ReadJPEGOrientation returns the EXIF orientation of a JPEG stream,
// OrientationUp when absent or unreadable
func ReadJPEGOrientation(reader io.Reader) Orientation {
	bufReader := bufio.NewReader(reader)

	soi := make([]byte, 2)
	if _, err := io.ReadFull(bufReader, soi); err != nil || soi[0] != 0xFF || soi[1] != jpegMarkerSOI {
		return OrientationUp
	}

	for {
		marker, err := readJPEGMarker(bufReader)
		if err != nil || marker == jpegMarkerSOS || marker == jpegMarkerEOI {
			return OrientationUp
		}

		lengthBytes := make([]byte, 2)
		if _, err := io.ReadFull(bufReader, lengthBytes); err != nil {
			return OrientationUp
		}

		segmentLength := int(binary.BigEndian.Uint16(lengthBytes)) - 2
		if segmentLength < 0 {
			return OrientationUp
		}

		if marker != jpegMarkerAPP1 || segmentLength > maxAPP1Length {
			if _, err := bufReader.Discard(segmentLength); err != nil {
				return OrientationUp
			}
			continue
		}

		segment := make([]byte, segmentLength)
		if _, err := io.ReadFull(bufReader, segment); err != nil {
			return OrientationUp
		}

		if orientation, ok := parseExifOrientation(segment); ok {
			return orientation
		}
	}
}

func readJPEGMarker(reader *bufio.Reader) (byte, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return 0, err
	}

	for b != 0xFF {
		b, err = reader.ReadByte()
		if err != nil {
			return 0, err
		}
	}

	// skip fill bytes
	for b == 0xFF {
		b, err = reader.ReadByte()
		if err != nil {
			return 0, err
		}
	}
	return b, nil
}

// parseExifOrientation reads the orientation tag of IFD0 in an APP1 payload
func parseExifOrientation(segment []byte) (Orientation, bool) {
	if len(segment) < len(exifHeader)+8 || string(segment[:len(exifHeader)]) != string(exifHeader) {
		return 0, false
	}

	tiff := segment[len(exifHeader):]

	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, false
	}

	if order.Uint16(tiff[2:4]) != 42 {
		return 0, false
	}

	ifdOffset := int(order.Uint32(tiff[4:8]))
	if ifdOffset < 8 || ifdOffset+2 > len(tiff) {
		return 0, false
	}

	entryCount := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	for i := 0; i < entryCount; i++ {
		entryOffset := ifdOffset + 2 + i*12
		if entryOffset+12 > len(tiff) {
			return 0, false
		}

		entry := tiff[entryOffset : entryOffset+12]
		if order.Uint16(entry[0:2]) != exifTagOrient {
			continue
		}

		orientation := Orientation(order.Uint16(entry[8:10]))
		if !orientation.IsValid() {
			return 0, false
		}
		return orientation, true
	}

	return 0, false
}
