package protocol

import (
	"fmt"
	"strconv"
)

// AppendSimpleString appends +<s>\r\n
func AppendSimpleString(dst []byte, s string) []byte {
	dst = append(dst, byte(TypeSimpleString))
	dst = append(dst, s...)
	return append(dst, CRLF...)
}

// AppendError appends -<msg>\r\n. Line breaks inside msg would end the reply
// early, so they are replaced with spaces.
func AppendError(dst []byte, msg string) []byte {
	dst = append(dst, byte(TypeError))
	for i := 0; i < len(msg); i++ {
		if msg[i] == '\r' || msg[i] == '\n' {
			dst = append(dst, ' ')
			continue
		}
		dst = append(dst, msg[i])
	}
	return append(dst, CRLF...)
}

// AppendInteger appends :<n>\r\n
func AppendInteger(dst []byte, n int64) []byte {
	dst = append(dst, byte(TypeInteger))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, CRLF...)
}

// AppendBulkString appends $<len>\r\n<s>\r\n
func AppendBulkString(dst []byte, s string) []byte {
	dst = append(dst, byte(TypeBulkString))
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, s...)
	return append(dst, CRLF...)
}

// AppendBulkBytes is AppendBulkString for byte slices
func AppendBulkBytes(dst []byte, data []byte) []byte {
	dst = append(dst, byte(TypeBulkString))
	dst = strconv.AppendInt(dst, int64(len(data)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, data...)
	return append(dst, CRLF...)
}

// AppendNullBulkString appends the null bulk string $-1\r\n
func AppendNullBulkString(dst []byte) []byte {
	return append(dst, "$-1\r\n"...)
}

// AppendArrayHeader appends *<n>\r\n
func AppendArrayHeader(dst []byte, n int) []byte {
	dst = append(dst, byte(TypeArray))
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, CRLF...)
}

// AppendCommand appends a command as an array of bulk strings
func AppendCommand(dst []byte, name string, args ...string) []byte {
	dst = AppendArrayHeader(dst, 1+len(args))
	dst = AppendBulkString(dst, name)
	for _, arg := range args {
		dst = AppendBulkString(dst, arg)
	}
	return dst
}

// AppendValue appends the wire form of v
func AppendValue(dst []byte, v Value) ([]byte, error) {
	switch v.Type {
	case TypeSimpleString:
		return AppendSimpleString(dst, string(v.Data)), nil
	case TypeError:
		return AppendError(dst, string(v.Data)), nil
	case TypeInteger:
		return AppendInteger(dst, v.Integer), nil
	case TypeBulkString:
		if v.IsNull {
			return AppendNullBulkString(dst), nil
		}
		return AppendBulkBytes(dst, v.Data), nil
	case TypeArray:
		if v.IsNull {
			return append(dst, "*-1\r\n"...), nil
		}
		dst = AppendArrayHeader(dst, len(v.Array))
		var err error
		for _, item := range v.Array {
			if dst, err = AppendValue(dst, item); err != nil {
				return dst, err
			}
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("unsupported value type: %c", v.Type)
	}
}

// Encode returns the wire form of v
func Encode(v Value) ([]byte, error) {
	return AppendValue(nil, v)
}
