package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1
)

var (
	ErrCorrupt = errors.New("fastcache: corrupt entry")
	magic4     = [...]byte{'F', 'S', 'T', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is the decoded form of a stored entry. Timestamps are Unix
// nanoseconds; 0 means unset.
type Frame struct {
	CreatedAt int64
	ExpiresAt int64
	Type      string
	Origin    string
	Payload   []byte
}

// Entry layout:
//
//	magic(4) | ver(1) | kind(1=entry) | created(i64 be) | expires(i64 be)
//	tlen(u16 be) | type(tlen) | olen(u16 be) | origin(olen) | vlen(u32 be) | payload(vlen)
func Encode(f Frame) ([]byte, error) {
	if len(f.Type) > 0xFFFF || len(f.Origin) > 0xFFFF {
		return nil, errors.New("fastcache: type tag too long")
	}
	if uint64(len(f.Payload)) > 0xFFFFFFFF {
		return nil, errors.New("fastcache: payload too large")
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 2 + len(f.Type) + 2 + len(f.Origin) + 4 + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(f.CreatedAt))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(f.ExpiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(f.Type)))
	buf.Write(u2[:])
	buf.WriteString(f.Type)

	binary.BigEndian.PutUint16(u2[:], uint16(len(f.Origin)))
	buf.Write(u2[:])
	buf.WriteString(f.Origin)

	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// Decode parses an entry frame. The returned Payload aliases b.
func Decode(b []byte) (Frame, error) {
	const hdr = 4 + 1 + 1 + 8 + 8
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Frame{}, ErrCorrupt
	}

	var f Frame
	off := 6
	f.CreatedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	f.ExpiresAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	var ok bool
	if f.Type, off, ok = readString(b, off); !ok {
		return Frame{}, ErrCorrupt
	}
	if f.Origin, off, ok = readString(b, off); !ok {
		return Frame{}, ErrCorrupt
	}

	// vlen
	if off+4 > len(b) {
		return Frame{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: no trailing bytes
		return Frame{}, ErrCorrupt
	}
	f.Payload = b[off : off+vlen]
	return f, nil
}

func readString(b []byte, off int) (string, int, bool) {
	if off+2 > len(b) {
		return "", 0, false
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if n > len(b)-off {
		return "", 0, false
	}
	return string(b[off : off+n]), off + n, true
}
