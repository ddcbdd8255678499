// Package leb128 decodes the variable-length integer immediates embedded in
// function bodies. Decoding operates directly on byte slices because bodies
// are held in memory in their entirety.
package leb128

import "errors"

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow33 = errors.New("overflows a 33-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
	errUnderflow  = errors.New("input truncated")
)

// DecodeUint32 decodes an unsigned LEB128-encoded 32-bit integer from the
// beginning of buf, returning the value and the number of bytes consumed.
func DecodeUint32(buf []byte) (ret uint32, num uint64, err error) {
	for shift := 0; shift < 35; shift += 7 {
		if int(num) >= len(buf) {
			return 0, 0, errUnderflow
		}
		b := buf[num]
		num++
		ret |= (uint32(b) & 0x7f) << shift
		if b&0x80 == 0 {
			if shift == 28 && b&0xf0 != 0 {
				return 0, 0, errOverflow32
			}
			return ret, num, nil
		}
	}
	return 0, 0, errOverflow32
}

// DecodeUint64 decodes an unsigned LEB128-encoded 64-bit integer from the
// beginning of buf.
func DecodeUint64(buf []byte) (ret uint64, num uint64, err error) {
	for shift := 0; shift < 64; shift += 7 {
		if int(num) >= len(buf) {
			return 0, 0, errUnderflow
		}
		b := buf[num]
		num++
		ret |= (uint64(b) & 0x7f) << shift
		if b&0x80 == 0 {
			if shift == 63 && b > 1 {
				return 0, 0, errOverflow64
			}
			return ret, num, nil
		}
	}
	return 0, 0, errOverflow64
}

// DecodeInt32 decodes a signed LEB128-encoded 32-bit integer from the
// beginning of buf.
func DecodeInt32(buf []byte) (ret int32, num uint64, err error) {
	var shift int
	var b byte
	for shift < 35 {
		if int(num) >= len(buf) {
			return 0, 0, errUnderflow
		}
		b = buf[num]
		num++
		ret |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift >= 35 {
		return 0, 0, errOverflow32
	}
	// Sign-extend when the final group's sign bit is set.
	if shift < 32 && b&0x40 != 0 {
		ret |= ^0 << shift
	}
	return ret, num, nil
}

// DecodeInt33AsInt64 decodes a signed 33-bit integer, used for block type
// immediates where non-negative values are type indexes.
func DecodeInt33AsInt64(buf []byte) (ret int64, num uint64, err error) {
	var shift int
	var b byte
	for shift < 35 {
		if int(num) >= len(buf) {
			return 0, 0, errUnderflow
		}
		b = buf[num]
		num++
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift >= 35 {
		return 0, 0, errOverflow33
	}
	if shift < 33 && b&0x40 != 0 {
		ret |= ^0 << shift
	}
	// Clamp to the 33-bit two's complement range.
	const min33, max33 = -4294967296, 4294967295
	if ret < min33 || ret > max33 {
		return 0, 0, errOverflow33
	}
	return ret, num, nil
}

// DecodeInt64 decodes a signed LEB128-encoded 64-bit integer from the
// beginning of buf.
func DecodeInt64(buf []byte) (ret int64, num uint64, err error) {
	var shift int
	var b byte
	for shift < 70 {
		if int(num) >= len(buf) {
			return 0, 0, errUnderflow
		}
		b = buf[num]
		num++
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift >= 70 {
		return 0, 0, errOverflow64
	}
	if shift < 64 && b&0x40 != 0 {
		ret |= ^0 << shift
	}
	return ret, num, nil
}

// EncodeUint32 encodes the value in unsigned LEB128.
func EncodeUint32(v uint32) []byte {
	return EncodeUint64(uint64(v))
}

// EncodeUint64 encodes the value in unsigned LEB128.
func EncodeUint64(v uint64) (buf []byte) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return
		}
	}
}

// EncodeInt32 encodes the value in signed LEB128.
func EncodeInt32(v int32) []byte {
	return EncodeInt64(int64(v))
}

// EncodeInt64 encodes the value in signed LEB128.
func EncodeInt64(v int64) (buf []byte) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		buf = append(buf, b)
		if done {
			return
		}
	}
}
