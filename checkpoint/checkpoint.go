// Package checkpoint persists full point-in-time snapshots of the key-value
// map so startup replay is bounded to the WAL entries written afterwards.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sys"
)

// Save atomically replaces the previous checkpoint with the given snapshot
// using the write-to-temp-then-rename strategy, so a crash mid-checkpoint
// never leaves a torn file. The snapshot payload is encoded as JSON and run
// through the given compressor.
//
// File layout: FileHeader | seq (8) | payload length (4) | payload | crc32 (4)
func Save(dir string, snap core.Snapshot, compressor core.Compressor) error {
	if compressor == nil {
		compressor = compressors.NewNoCompressionCompressor()
	}

	raw, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint snapshot: %w", err)
	}
	payload, err := compressor.Compress(raw)
	if err != nil {
		return fmt.Errorf("failed to compress checkpoint snapshot: %w", err)
	}

	tempPath := filepath.Join(dir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	header := core.NewFileHeader(core.CheckpointMagicNumber, compressor.Type())
	writeErr := func() error {
		if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
			return fmt.Errorf("failed to write checkpoint header: %w", err)
		}
		if err := binary.Write(file, binary.LittleEndian, snap.SeqNum); err != nil {
			return fmt.Errorf("failed to write checkpoint sequence number: %w", err)
		}
		if err := binary.Write(file, binary.LittleEndian, uint32(len(payload))); err != nil {
			return fmt.Errorf("failed to write checkpoint payload length: %w", err)
		}
		if _, err := file.Write(payload); err != nil {
			return fmt.Errorf("failed to write checkpoint payload: %w", err)
		}
		if err := binary.Write(file, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
			return fmt.Errorf("failed to write checkpoint checksum: %w", err)
		}
		return file.Sync()
	}()
	if writeErr != nil {
		file.Close()
		return writeErr
	}

	// Close before renaming; required for the rename to succeed on Windows.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file: %w", err)
	}
	return nil
}

// Load reads the most recent valid checkpoint from dir. The boolean reports
// whether a checkpoint file existed; when it does not, an empty snapshot at
// sequence 0 is returned with no error.
func Load(dir string) (core.Snapshot, bool, error) {
	empty := core.Snapshot{Data: make(map[string]string)}

	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, false, nil
		}
		return empty, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "truncated checkpoint header", Err: err}
	}
	if header.Magic != core.CheckpointMagicNumber {
		return empty, true, &core.CorruptionError{Path: path, Reason: fmt.Sprintf("invalid magic number %x", header.Magic)}
	}
	if header.Version > core.FormatVersion {
		return empty, true, fmt.Errorf("unsupported checkpoint version %d", header.Version)
	}

	var snap core.Snapshot
	if err := binary.Read(file, binary.LittleEndian, &snap.SeqNum); err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "truncated sequence number", Err: err}
	}

	var payloadLen uint32
	if err := binary.Read(file, binary.LittleEndian, &payloadLen); err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "truncated payload length", Err: err}
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(file, payload); err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "truncated payload", Err: err}
	}
	var checksum uint32
	if err := binary.Read(file, binary.LittleEndian, &checksum); err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "truncated checksum", Err: err}
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return empty, true, &core.CorruptionError{Path: path, Reason: "payload checksum mismatch"}
	}

	compressor, err := compressorFor(header.Compression)
	if err != nil {
		return empty, true, err
	}
	rc, err := compressor.Decompress(payload)
	if err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "undecompressable payload", Err: err}
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return empty, true, fmt.Errorf("failed to read checkpoint payload: %w", err)
	}
	snap.Data = make(map[string]string)
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return empty, true, &core.CorruptionError{Path: path, Reason: "undecodable snapshot", Err: err}
	}
	return snap, true, nil
}

func compressorFor(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return compressors.NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return compressors.NewSnappyCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint compression type %d", t)
	}
}
