// Package wire frames records for byte backends (providers, badger) so a
// value read back can be validated and carries its modification time.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"
)

const (
	version    byte = 1
	kindRecord byte = 1

	// magic(4) | ver(1) | kind(1) | mtime(u64 be, unix nanos) | vlen(u32 be)
	headerLen = 4 + 1 + 1 + 8 + 4
	// crc32 IEEE over header and payload
	trailerLen = 4
)

var (
	ErrCorrupt = errors.New("kvlayer: corrupt record")
	magic4     = [...]byte{'K', 'V', 'L', 'R'}
)

// Record is a decoded frame. Payload aliases the input buffer.
type Record struct {
	Modified time.Time
	Payload  []byte
}

// Encode frames payload stamped with mod.
func Encode(mod time.Time, payload []byte) []byte {
	b := make([]byte, headerLen, headerLen+len(payload)+trailerLen)
	copy(b, magic4[:])
	b[4] = version
	b[5] = kindRecord
	binary.BigEndian.PutUint64(b[6:14], uint64(mod.UnixNano()))
	binary.BigEndian.PutUint32(b[14:18], uint32(len(payload)))
	b = append(b, payload...)
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// Decode validates and unframes b. Any structural mismatch, trailing bytes
// or checksum failure is ErrCorrupt.
func Decode(b []byte) (Record, error) {
	if len(b) < headerLen+trailerLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version || b[5] != kindRecord {
		return Record{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[14:18]))
	if vlen != len(b)-headerLen-trailerLen {
		return Record{}, ErrCorrupt
	}
	body := b[:headerLen+vlen]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(b[headerLen+vlen:]) {
		return Record{}, ErrCorrupt
	}
	return Record{
		Modified: time.Unix(0, int64(binary.BigEndian.Uint64(b[6:14]))),
		Payload:  b[headerLen : headerLen+vlen],
	}, nil
}
