// Package params packs typed invocation records into the flat memory
// image a guest program reads as its input region, and unpacks guest
// mutations after execution.
//
// The layout is deterministic: records are packed in caller order, each
// as a fixed 16-byte header (writable flag, data length) followed by the
// data, zero-padded to 8-byte alignment. Guests hard-code offsets derived
// from this layout, so identical inputs must always produce identical
// bytes.
package params

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/sbpf/internal/types"
)

const (
	// headerSize is the per-record prefix: u64 writable flag, u64 length.
	headerSize = 16

	// MaxRecordSize bounds a single record's data.
	MaxRecordSize = 10 * 1024 * 1024

	// MaxImageSize bounds the whole serialized image.
	MaxImageSize = 64 * 1024 * 1024
)

// Serialization errors.
var (
	ErrRecordTooLarge = errors.New("record too large")
	ErrImageTooLarge  = errors.New("image too large")
	ErrLayoutMismatch = errors.New("layout does not match image")
	ErrTruncatedImage = errors.New("truncated image")
)

// Record is one typed invocation parameter: a stable key, its byte
// contents, and whether the guest may mutate it.
type Record struct {
	Key      types.Pubkey
	Data     []byte
	Writable bool
}

// Slot locates one record's data inside a serialized image.
type Slot struct {
	Key      types.Pubkey
	Offset   uint64
	Len      uint64
	Writable bool
}

// Serialize packs records into a single image and returns the layout
// needed to find each record again. Input validation happens before any
// byte is written, so a failed call has no partial effects.
func Serialize(records []Record) ([]byte, []Slot, error) {
	var total uint64
	for i, rec := range records {
		size := uint64(len(rec.Data))
		if size > MaxRecordSize {
			return nil, nil, fmt.Errorf("%w: record %d (%s) is %d bytes", ErrRecordTooLarge, i, rec.Key, size)
		}
		total += headerSize + align8(size)
		if total > MaxImageSize {
			return nil, nil, fmt.Errorf("%w: %d bytes through record %d", ErrImageTooLarge, total, i)
		}
	}

	image := make([]byte, 0, total)
	layout := make([]Slot, 0, len(records))

	for _, rec := range records {
		var flag uint64
		if rec.Writable {
			flag = 1
		}

		var header [headerSize]byte
		binary.LittleEndian.PutUint64(header[0:8], flag)
		binary.LittleEndian.PutUint64(header[8:16], uint64(len(rec.Data)))
		image = append(image, header[:]...)

		layout = append(layout, Slot{
			Key:      rec.Key,
			Offset:   uint64(len(image)),
			Len:      uint64(len(rec.Data)),
			Writable: rec.Writable,
		})

		image = append(image, rec.Data...)
		if pad := align8(uint64(len(rec.Data))) - uint64(len(rec.Data)); pad > 0 {
			image = append(image, make([]byte, pad)...)
		}
	}

	return image, layout, nil
}

// Deserialize extracts records from an executed image using the layout
// Serialize produced. Data is copied out, so the image can be discarded.
func Deserialize(image []byte, layout []Slot) ([]Record, error) {
	records := make([]Record, 0, len(layout))

	for i, slot := range layout {
		if slot.Offset < headerSize {
			return nil, fmt.Errorf("%w: slot %d offset %d", ErrLayoutMismatch, i, slot.Offset)
		}
		end := slot.Offset + slot.Len
		if end < slot.Offset || end > uint64(len(image)) {
			return nil, fmt.Errorf("%w: slot %d spans [%d, %d) of %d", ErrTruncatedImage, i, slot.Offset, end, len(image))
		}

		header := image[slot.Offset-headerSize : slot.Offset]
		flag := binary.LittleEndian.Uint64(header[0:8])
		length := binary.LittleEndian.Uint64(header[8:16])
		if (flag == 1) != slot.Writable || length != slot.Len {
			return nil, fmt.Errorf("%w: slot %d header disagrees with layout", ErrLayoutMismatch, i)
		}

		data := make([]byte, slot.Len)
		copy(data, image[slot.Offset:end])
		records = append(records, Record{
			Key:      slot.Key,
			Data:     data,
			Writable: slot.Writable,
		})
	}

	return records, nil
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
