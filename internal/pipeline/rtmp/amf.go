// SPDX-License-Identifier: MIT

package rtmp

// Minimal AMF0 codec — just enough to build connect/createStream/publish
// command payloads and parse back the server's _result/_error replies.
// Supported markers: 0x00 Number, 0x01 Boolean, 0x02 String, 0x03 Object,
// 0x05 Null, 0x08 ECMA Array, 0x09 Object End, 0x0A Strict Array.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	amfNumber     = 0x00
	amfBoolean    = 0x01
	amfString     = 0x02
	amfObject     = 0x03
	amfNull       = 0x05
	amfECMAArray  = 0x08
	amfObjectEnd  = 0x09
	amfStrictArr  = 0x0A
	objectEndSize = 3
)

func encodeValue(w io.Writer, v any) error {
	switch val := v.(type) {
	case nil:
		_, err := w.Write([]byte{amfNull})
		return err
	case float64:
		buf := make([]byte, 9)
		buf[0] = amfNumber
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(val))
		_, err := w.Write(buf)
		return err
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		_, err := w.Write([]byte{amfBoolean, b})
		return err
	case string:
		return encodeString(w, val)
	case map[string]any:
		if _, err := w.Write([]byte{amfObject}); err != nil {
			return err
		}
		for k, fv := range val {
			if err := encodeUTF8(w, k); err != nil {
				return err
			}
			if err := encodeValue(w, fv); err != nil {
				return err
			}
		}
		_, err := w.Write([]byte{0, 0, amfObjectEnd})
		return err
	default:
		return fmt.Errorf("amf: unsupported type %T", v)
	}
}

func encodeUTF8(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("amf: string too long (%d bytes)", len(s))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(s)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func encodeString(w io.Writer, s string) error {
	if _, err := w.Write([]byte{amfString}); err != nil {
		return err
	}
	return encodeUTF8(w, s)
}

// encodeAll serializes a sequence of AMF0 values (the concatenated argument
// list of one RTMP command message).
func encodeAll(values ...any) ([]byte, error) {
	var buf bytes.Buffer
	for i, v := range values {
		if err := encodeValue(&buf, v); err != nil {
			return nil, fmt.Errorf("amf value %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func readUTF8(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func decodeValue(r io.Reader) (any, error) {
	var marker [1]byte
	if _, err := io.ReadFull(r, marker[:]); err != nil {
		return nil, err
	}
	switch marker[0] {
	case amfNumber:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
	case amfBoolean:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case amfString:
		return readUTF8(r)
	case amfNull:
		return nil, nil
	case amfObject, amfECMAArray:
		obj := make(map[string]any)
		if marker[0] == amfECMAArray {
			var count [4]byte
			if _, err := io.ReadFull(r, count[:]); err != nil {
				return nil, err
			}
		}
		for {
			key, err := readUTF8(r)
			if err != nil {
				return nil, err
			}
			peek := make([]byte, 1)
			if _, err := io.ReadFull(r, peek); err != nil {
				return nil, err
			}
			if key == "" && peek[0] == amfObjectEnd {
				return obj, nil
			}
			val, err := decodeValueAfterMarker(r, peek[0])
			if err != nil {
				return nil, err
			}
			obj[key] = val
		}
	case amfStrictArr:
		var count [4]byte
		if _, err := io.ReadFull(r, count[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(count[:])
		out := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("amf: unsupported marker 0x%02x", marker[0])
	}
}

func decodeValueAfterMarker(r io.Reader, marker byte) (any, error) {
	return decodeValue(io.MultiReader(bytes.NewReader([]byte{marker}), r))
}

// decodeAll decodes a sequence of concatenated AMF0 values until EOF (one
// command message's full argument list).
func decodeAll(data []byte) ([]any, error) {
	r := bytes.NewReader(data)
	var out []any
	for r.Len() > 0 {
		v, err := decodeValue(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
