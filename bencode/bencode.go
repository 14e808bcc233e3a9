// Package bencode implements the BitTorrent serialization format.
//
// Decoding keeps track of the byte span every value occupies in the
// input, so callers can hash the raw bytes of a sub-value (the info
// dictionary) exactly as they appeared on disk. Encoding always emits
// dictionary keys in ascending byte order, which makes the output
// canonical regardless of how the value was built.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

type kind uint8

const (
	integerKind kind = iota
	stringKind
	listKind
	dictKind
)

// Value is one decoded bencode value: an integer, a byte string, a
// list or a dictionary. The zero Value is the integer 0.
type Value struct {
	kind kind
	num  int64
	str  []byte
	list []Value
	dict map[string]Value
	raw  []byte // span of the input this value was decoded from
}

func Integer(n int64) Value {
	return Value{kind: integerKind, num: n}
}

func String(b []byte) Value {
	return Value{kind: stringKind, str: b}
}

func Text(s string) Value {
	return Value{kind: stringKind, str: []byte(s)}
}

func List(items ...Value) Value {
	return Value{kind: listKind, list: items}
}

func Dict(entries map[string]Value) Value {
	return Value{kind: dictKind, dict: entries}
}

func (v Value) IsInteger() bool { return v.kind == integerKind }
func (v Value) IsString() bool  { return v.kind == stringKind }
func (v Value) IsList() bool    { return v.kind == listKind }
func (v Value) IsDict() bool    { return v.kind == dictKind }

func (v Value) Integer() (int64, bool) {
	return v.num, v.kind == integerKind
}

func (v Value) Bytes() ([]byte, bool) {
	return v.str, v.kind == stringKind
}

func (v Value) List() ([]Value, bool) {
	return v.list, v.kind == listKind
}

func (v Value) Dict() (map[string]Value, bool) {
	return v.dict, v.kind == dictKind
}

// Raw returns the exact input bytes this value was decoded from, or
// nil for values built with the constructors.
func (v Value) Raw() []byte {
	return v.raw
}

// DecodeError reports malformed input together with the offset the
// decoder gave up at.
type DecodeError struct {
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Msg, e.Offset)
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) errorf(format string, args ...interface{}) error {
	return &DecodeError{Offset: d.pos, Msg: fmt.Sprintf(format, args...)}
}

// Decode parses a single bencode value and requires the input to hold
// nothing else.
func Decode(data []byte) (Value, error) {
	d := &decoder{data: data}
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.data) {
		return Value{}, d.errorf("trailing data after value")
	}
	return v, nil
}

func (d *decoder) value() (Value, error) {
	if d.pos >= len(d.data) {
		return Value{}, d.errorf("unexpected end of input")
	}
	start := d.pos
	var (
		v   Value
		err error
	)
	switch c := d.data[d.pos]; {
	case c == 'i':
		v, err = d.integer()
	case c >= '0' && c <= '9':
		v, err = d.str()
	case c == 'l':
		v, err = d.listValue()
	case c == 'd':
		v, err = d.dictValue()
	default:
		return Value{}, d.errorf("unexpected byte %q", c)
	}
	if err != nil {
		return Value{}, err
	}
	v.raw = d.data[start:d.pos]
	return v, nil
}

func (d *decoder) integer() (Value, error) {
	d.pos++ // consume 'i'
	start := d.pos
	if d.pos < len(d.data) && d.data[d.pos] == '-' {
		d.pos++
	}
	for d.pos < len(d.data) && d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
		d.pos++
	}
	digits := string(d.data[start:d.pos])
	if d.pos >= len(d.data) || d.data[d.pos] != 'e' {
		return Value{}, d.errorf("integer missing terminator")
	}
	if digits == "" || digits == "-" {
		return Value{}, d.errorf("integer has no digits")
	}
	if digits == "-0" {
		return Value{}, d.errorf("negative zero is not a valid integer")
	}
	// leading zeros are only valid for "0" itself
	trimmed := digits
	if trimmed[0] == '-' {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 1 && trimmed[0] == '0' {
		return Value{}, d.errorf("integer has leading zeros")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Value{}, d.errorf("integer out of range")
	}
	d.pos++ // consume 'e'
	return Integer(n), nil
}

func (d *decoder) str() (Value, error) {
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
		d.pos++
	}
	if d.pos >= len(d.data) || d.data[d.pos] != ':' {
		return Value{}, d.errorf("string length missing ':'")
	}
	length, err := strconv.Atoi(string(d.data[start:d.pos]))
	if err != nil {
		return Value{}, d.errorf("bad string length")
	}
	d.pos++ // consume ':'
	if d.pos+length > len(d.data) {
		return Value{}, d.errorf("string is %d bytes but only %d remain", length, len(d.data)-d.pos)
	}
	s := d.data[d.pos : d.pos+length]
	d.pos += length
	return String(s), nil
}

func (d *decoder) listValue() (Value, error) {
	d.pos++ // consume 'l'
	items := []Value{}
	for {
		if d.pos >= len(d.data) {
			return Value{}, d.errorf("unterminated list")
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return List(items...), nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dictValue() (Value, error) {
	d.pos++ // consume 'd'
	entries := make(map[string]Value)
	for {
		if d.pos >= len(d.data) {
			return Value{}, d.errorf("unterminated dictionary")
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return Dict(entries), nil
		}
		if c := d.data[d.pos]; c < '0' || c > '9' {
			return Value{}, d.errorf("dictionary key must be a string, got %q", c)
		}
		key, err := d.str()
		if err != nil {
			return Value{}, err
		}
		if d.pos >= len(d.data) || d.data[d.pos] == 'e' {
			return Value{}, d.errorf("dictionary key without a value")
		}
		val, err := d.value()
		if err != nil {
			return Value{}, err
		}
		entries[string(key.str)] = val
	}
}

// Encode serializes v. Dictionary keys are written in ascending byte
// order so that equal values always encode to equal bytes.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case integerKind:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.num, 10))
		buf.WriteByte('e')
	case stringKind:
		buf.WriteString(strconv.Itoa(len(v.str)))
		buf.WriteByte(':')
		buf.Write(v.str)
	case listKind:
		buf.WriteByte('l')
		for _, item := range v.list {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case dictKind:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.dict))
		for k := range v.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeValue(buf, Text(k))
			encodeValue(buf, v.dict[k])
		}
		buf.WriteByte('e')
	}
}
