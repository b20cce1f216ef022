package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ZCL data type IDs.
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeFloat32  uint8 = 0x39
	TypeOctetStr uint8 = 0x41
	TypeCharStr  uint8 = 0x42
	TypeEUI64    uint8 = 0xF0
)

var typeNames = map[uint8]string{
	TypeNoData:   "nodata",
	TypeBool:     "bool",
	TypeBitmap8:  "bitmap8",
	TypeBitmap16: "bitmap16",
	TypeUint8:    "uint8",
	TypeUint16:   "uint16",
	TypeUint24:   "uint24",
	TypeUint32:   "uint32",
	TypeInt8:     "int8",
	TypeInt16:    "int16",
	TypeInt32:    "int32",
	TypeEnum8:    "enum8",
	TypeEnum16:   "enum16",
	TypeFloat32:  "float32",
	TypeOctetStr: "octstr",
	TypeCharStr:  "string",
	TypeEUI64:    "eui64",
}

// TypeName returns a short name for a ZCL type, or its hex id.
func TypeName(typeID uint8) string {
	if n, ok := typeNames[typeID]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// ParseTypeName is the inverse of TypeName. It accepts names
// case-insensitively as well as "0x"-prefixed ids.
func ParseTypeName(s string) (uint8, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, n := range typeNames {
		if n == s {
			return id, nil
		}
	}
	var id uint8
	if _, err := fmt.Sscanf(s, "0x%02x", &id); err == nil {
		return id, nil
	}
	return 0, fmt.Errorf("zcl: unknown type %q", s)
}

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for
// length-prefixed and unsupported types.
func TypeSize(typeID uint8) int {
	switch typeID {
	case TypeNoData:
		return 0
	case TypeBool, TypeUint8, TypeInt8, TypeEnum8, TypeBitmap8:
		return 1
	case TypeUint16, TypeInt16, TypeEnum16, TypeBitmap16:
		return 2
	case TypeUint24:
		return 3
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeEUI64:
		return 8
	default:
		return -1
	}
}

// DecodeValue decodes a ZCL typed value from little-endian wire bytes. It
// returns the Go value and the number of bytes consumed.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	size := TypeSize(typeID)
	if size == 0 {
		return nil, 0, nil
	}
	if size < 0 {
		return decodeString(typeID, data)
	}
	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: %s needs %d bytes, have %d", TypeName(typeID), size, len(data))
	}

	switch typeID {
	case TypeBool:
		return data[0] != 0, 1, nil
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return data[0], 1, nil
	case TypeUint16, TypeEnum16, TypeBitmap16:
		return binary.LittleEndian.Uint16(data), 2, nil
	case TypeUint24:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, 3, nil
	case TypeUint32:
		return binary.LittleEndian.Uint32(data), 4, nil
	case TypeInt8:
		return int8(data[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(data)), 2, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeEUI64:
		var addr [8]byte
		copy(addr[:], data[:8])
		return addr, 8, nil
	}
	return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
}

func decodeString(typeID uint8, data []byte) (any, int, error) {
	if typeID != TypeOctetStr && typeID != TypeCharStr {
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
	}
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("zcl: %s missing length byte", TypeName(typeID))
	}
	n := int(data[0])
	if n == 0xFF {
		return nil, 1, nil
	}
	if len(data) < 1+n {
		return nil, 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", TypeName(typeID), n, len(data)-1)
	}
	if typeID == TypeCharStr {
		return string(data[1 : 1+n]), 1 + n, nil
	}
	b := make([]byte, n)
	copy(b, data[1:1+n])
	return b, 1 + n, nil
}

// ToInt64 converts integer and float values to int64.
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		if x > math.MaxInt64 || x < math.MinInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}
