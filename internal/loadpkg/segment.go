package loadpkg

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/schemaflow/schemaflow/pkg/types"
)

// ErrCorruptSegment is returned when a segment frame fails its checksum or
// ends early.
var ErrCorruptSegment = errors.New("loadpkg: corrupt segment")

// frameHeaderSize is [length:4][crc32:4].
const frameHeaderSize = 8

// segmentWriter appends row blocks of one table, rotating to a new file once
// maxSize bytes have been written.
type segmentWriter struct {
	dir     string
	table   string
	codec   Codec
	maxSize int64

	fileID int
	file   *os.File
	buf    *bufio.Writer
	offset int64
	files  []string
	rows   int
}

func newSegmentWriter(dir, table string, codec Codec, maxSize int64) *segmentWriter {
	return &segmentWriter{dir: dir, table: table, codec: codec, maxSize: maxSize}
}

func segmentName(table string, fileID int, format Format) string {
	return fmt.Sprintf("%s.%06d.%s%s", table, fileID, format, segmentExt)
}

func (w *segmentWriter) open() error {
	name := segmentName(w.table, w.fileID, w.codec.Format())
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("loadpkg: failed to create segment %s: %w", name, err)
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64<<10)
	w.offset = 0
	w.files = append(w.files, name)
	return nil
}

// write encodes rows as one frame: [length:4][crc32:4][snappy(block)].
func (w *segmentWriter) write(rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	block, err := w.codec.Encode(rows)
	if err != nil {
		return fmt.Errorf("loadpkg: failed to encode rows of %s: %w", w.table, err)
	}
	payload := snappy.Encode(nil, block)

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.buf.Write(header[:]); err != nil {
		return fmt.Errorf("loadpkg: failed to write frame header: %w", err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		return fmt.Errorf("loadpkg: failed to write frame payload: %w", err)
	}
	w.offset += int64(frameHeaderSize + len(payload))
	w.rows += len(rows)

	if w.maxSize > 0 && w.offset >= w.maxSize {
		return w.rotate()
	}
	return nil
}

// rotate closes the current file; the next write opens a new one.
func (w *segmentWriter) rotate() error {
	if err := w.close(); err != nil {
		return err
	}
	w.fileID++
	return nil
}

// close flushes and fsyncs the current file.
func (w *segmentWriter) close() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := w.buf.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("loadpkg: failed to flush segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("loadpkg: failed to fsync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("loadpkg: failed to close segment: %w", err)
	}
	return nil
}

// readSegment decodes every frame of the segment file at path.
func readSegment(path string, codec Codec) ([]types.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to open segment: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to stat segment: %w", err)
	}
	size := info.Size()

	r := bufio.NewReaderSize(f, 64<<10)
	var rows []types.Row
	var offset int64
	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return nil, fmt.Errorf("%w: %s: truncated frame header at offset %d", ErrCorruptSegment, filepath.Base(path), offset)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		if int64(length) > size-offset-frameHeaderSize {
			return nil, fmt.Errorf("%w: %s: frame length %d exceeds file size at offset %d", ErrCorruptSegment, filepath.Base(path), length, offset)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: truncated frame at offset %d", ErrCorruptSegment, filepath.Base(path), offset)
		}
		if computed := crc32.ChecksumIEEE(payload); computed != crc {
			return nil, fmt.Errorf("%w: %s: crc mismatch at offset %d", ErrCorruptSegment, filepath.Base(path), offset)
		}

		block, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, filepath.Base(path), err)
		}
		decoded, err := codec.Decode(block)
		if err != nil {
			return nil, fmt.Errorf("loadpkg: failed to decode rows in %s: %w", filepath.Base(path), err)
		}
		rows = append(rows, decoded...)
		offset += int64(frameHeaderSize) + int64(length)
	}
}
