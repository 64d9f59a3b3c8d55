package core

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// WALMagicNumber identifies WAL segment files ("NKWA").
	WALMagicNumber uint32 = 0x4E4B5741
	// CheckpointMagicNumber identifies checkpoint files ("NKCP").
	CheckpointMagicNumber uint32 = 0x4E4B4350

	// FormatVersion is the current on-disk format version.
	FormatVersion uint8 = 1

	// CheckpointFileName is the name of the checkpoint file inside a data
	// directory.
	CheckpointFileName = "CHECKPOINT"
	// LockFileName marks single-instance ownership of a data directory.
	LockFileName = "LOCK"
	// WALDirName is the subdirectory holding WAL segments.
	WALDirName = "wal"
)

// CompressionType identifies the codec used for a file's payload.
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
)

// Compressor is the interface for checkpoint payload codecs.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) (io.ReadCloser, error)
	Type() CompressionType
}

// FileHeader is the fixed-size header at the start of every WAL segment and
// checkpoint file. It is written with encoding/binary, so it must contain
// only fixed-size fields.
type FileHeader struct {
	Magic       uint32
	Version     uint8
	Compression CompressionType
	Reserved    uint16
}

// NewFileHeader creates a header for the current format version.
func NewFileHeader(magic uint32, compression CompressionType) FileHeader {
	return FileHeader{
		Magic:       magic,
		Version:     FormatVersion,
		Compression: compression,
	}
}

// FormatTempFilename derives the temporary name used for atomic
// write-then-rename of the given file.
func FormatTempFilename(name, suffix string) string {
	return name + "." + suffix
}

const segmentFileSuffix = ".wal"

// FormatSegmentFileName creates a WAL segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, segmentFileSuffix)
}

// ParseSegmentFileName extracts the index from a WAL segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, segmentFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}
