package parser

import (
	"bytes"
	"os"
)

type FileType string

const (
	FileTypeFIT     FileType = "fit"
	FileTypeTCX     FileType = "tcx"
	FileTypeGPX     FileType = "gpx"
	FileTypeUnknown FileType = "unknown"
)

func DetectFileType(filepath string) (FileType, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return FileTypeUnknown, err
	}
	defer file.Close()

	// Read first 512 bytes for detection
	header := make([]byte, 512)
	n, err := file.Read(header)
	if err != nil && n == 0 {
		return FileTypeUnknown, err
	}

	return DetectFileTypeFromData(header[:n]), nil
}

func DetectFileTypeFromData(data []byte) FileType {
	// FIT header carries ".FIT" at bytes 8-11
	if len(data) >= 12 && bytes.Equal(data[8:12], []byte(".FIT")) {
		return FileTypeFIT
	}

	head := bytes.TrimSpace(data[:min(len(data), 512)])
	if !bytes.HasPrefix(head, []byte("<")) {
		return FileTypeUnknown
	}
	switch {
	case bytes.Contains(head, []byte("TrainingCenterDatabase")):
		return FileTypeTCX
	case bytes.Contains(head, []byte("<gpx")),
		bytes.Contains(head, []byte("topografix.com/GPX")):
		return FileTypeGPX
	}
	return FileTypeUnknown
}
