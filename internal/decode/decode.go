// Package decode turns raw register words into typed values and back.
//
// Words are reassembled into a byte sequence: the word order decides whether
// the words are taken as read or reversed, the byte order decides whether
// each word contributes its high byte first. The resulting bytes are then
// read as a big-endian value of the register type's kind.
package decode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/milad/meterpoller/internal/domain"
)

// Decode interprets words according to rt. The returned value is a float32,
// int16, uint8 or bool depending on rt.Kind.
func Decode(rt domain.RegisterType, words []uint16) (any, error) {
	if rt.Kind == domain.KindUnknown {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedType, rt.Name)
	}
	if need := rt.Kind.Words(); len(words) < need {
		return nil, fmt.Errorf("%w: %s needs %d words, got %d", domain.ErrShortRead, rt.Kind, need, len(words))
	}

	b := assemble(words, rt.ByteOrder, rt.WordOrder)
	switch rt.Kind {
	case domain.KindFloat:
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case domain.KindInt:
		return int16(binary.BigEndian.Uint16(b)), nil
	case domain.KindUint8:
		return b[1], nil
	case domain.KindBool8:
		return b[1] != 0, nil
	case domain.KindBool16:
		return binary.BigEndian.Uint16(b) != 0, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedType, rt.Name)
}

// Encode is the inverse of Decode. The result has max(rt.Length, kind width)
// words; unused trailing bytes are zero.
func Encode(rt domain.RegisterType, v any) ([]uint16, error) {
	if rt.Kind == domain.KindUnknown {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedType, rt.Name)
	}
	n := rt.Kind.Words()
	if rt.Length > n {
		n = rt.Length
	}
	b := make([]byte, n*2)

	switch rt.Kind {
	case domain.KindFloat:
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("encode %T as float", v)
		}
		binary.BigEndian.PutUint32(b, math.Float32bits(f))
	case domain.KindInt:
		i, ok := asInt(v)
		if !ok || i < math.MinInt16 || i > math.MaxInt16 {
			return nil, fmt.Errorf("encode %v as int", v)
		}
		binary.BigEndian.PutUint16(b, uint16(int16(i)))
	case domain.KindUint8:
		i, ok := asInt(v)
		if !ok || i < 0 || i > math.MaxUint8 {
			return nil, fmt.Errorf("encode %v as uint8", v)
		}
		b[1] = byte(i)
	case domain.KindBool8, domain.KindBool16:
		t, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("encode %T as %s", v, rt.Kind)
		}
		if t {
			b[1] = 1
		}
	}
	return split(b, rt.ByteOrder, rt.WordOrder), nil
}

func assemble(words []uint16, byteOrder, wordOrder domain.Order) []byte {
	b := make([]byte, 0, len(words)*2)
	for i := range words {
		w := words[i]
		if wordOrder == domain.LittleEndian {
			w = words[len(words)-1-i]
		}
		if byteOrder == domain.LittleEndian {
			b = append(b, byte(w), byte(w>>8))
		} else {
			b = append(b, byte(w>>8), byte(w))
		}
	}
	return b
}

func split(b []byte, byteOrder, wordOrder domain.Order) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		hi, lo := b[2*i], b[2*i+1]
		if byteOrder == domain.LittleEndian {
			hi, lo = lo, hi
		}
		words[i] = uint16(hi)<<8 | uint16(lo)
	}
	if wordOrder == domain.LittleEndian {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words
}

func asFloat(v any) (float32, bool) {
	switch x := v.(type) {
	case float32:
		return x, true
	case float64:
		return float32(x), true
	case int:
		return float32(x), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int16:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}
