package common

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"
)

// EncodeStruct serializes a fixed-size structure into a buffer of exactly `size`
// bytes. Bytes the structure doesn't cover are left zero.
func EncodeStruct(order binary.ByteOrder, size int, value any) ([]byte, error) {
	buffer := make([]byte, size)
	writer := bytewriter.New(buffer)
	err := binary.Write(writer, order, value)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// DecodeStruct fills a fixed-size structure from the beginning of `data`.
func DecodeStruct(order binary.ByteOrder, data []byte, value any) error {
	return binary.Read(bytes.NewReader(data), order, value)
}

// EncodeEntries serializes table entries into a buffer of `size` bytes. Space
// past the last entry is filled with `padding`.
func EncodeEntries(order binary.ByteOrder, entries []uint32, size int, padding byte) []byte {
	buffer := bytes.Repeat([]byte{padding}, size)
	for i, entry := range entries {
		order.PutUint32(buffer[i*4:], entry)
	}
	return buffer
}

func DecodeEntries(order binary.ByteOrder, data []byte, count int) []uint32 {
	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = order.Uint32(data[i*4:])
	}
	return entries
}
