package summary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned when a record's checksum does not match.
var ErrCorruptRecord = errors.New("corrupt record")

func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, crc32c)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// writeRecord frames data as a TFRecord:
//
//	uint64 length
//	uint32 masked crc32c of length
//	byte   data[length]
//	uint32 masked crc32c of data
func writeRecord(w io.Writer, data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write(footer[:])
	return err
}

// readRecord returns io.EOF at a clean end of stream.
func readRecord(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrCorruptRecord)
		}
		return nil, err
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, fmt.Errorf("%w: length checksum mismatch", ErrCorruptRecord)
	}
	length := binary.LittleEndian.Uint64(header[:8])
	if length > 1<<30 {
		return nil, fmt.Errorf("%w: implausible length %d", ErrCorruptRecord, length)
	}

	data := make([]byte, length+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated data: %v", ErrCorruptRecord, err)
	}
	payload, footer := data[:length], data[length:]
	if maskedCRC(payload) != binary.LittleEndian.Uint32(footer) {
		return nil, fmt.Errorf("%w: data checksum mismatch", ErrCorruptRecord)
	}
	return payload, nil
}
