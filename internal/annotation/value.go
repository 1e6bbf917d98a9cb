package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Value is a decoded JSON node: Object, Array or Scalar.
type Value interface {
	Accept(v Visitor)
}

type Visitor interface {
	VisitObject(o Object)
	VisitArray(a Array)
	VisitScalar(s Scalar)
}

// Object keeps its keys in document order.
type Object struct {
	Keys   []string
	Fields map[string]Value
}

type Array []Value

// Scalar holds a string, json.Number, bool or nil.
type Scalar struct {
	Raw any
}

func (o Object) Accept(v Visitor) { v.VisitObject(o) }
func (a Array) Accept(v Visitor)  { v.VisitArray(a) }
func (s Scalar) Accept(v Visitor) { v.VisitScalar(s) }

// Walk dispatches v to the visitor. A nil value is not visited.
func Walk(v Value, visitor Visitor) {
	if v == nil {
		return
	}
	v.Accept(visitor)
}

func (o Object) Get(key string) (Value, bool) {
	val, ok := o.Fields[key]
	return val, ok
}

// Decode reads exactly one JSON document.
func Decode(r io.Reader) (Value, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after annotation document")
	}
	return v, nil
}

func DecodeBytes(raw []byte) (Value, error) {
	return Decode(bytes.NewReader(raw))
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	default:
		return Scalar{Raw: t}, nil
	}
}

func decodeObject(dec *json.Decoder) (Value, error) {
	obj := Object{Fields: map[string]Value{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %T", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		if _, dup := obj.Fields[key]; !dup {
			obj.Keys = append(obj.Keys, key)
		}
		// Last duplicate wins, as in most JSON decoders.
		obj.Fields[key] = val
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeArray(dec *json.Decoder) (Value, error) {
	arr := Array{}
	for dec.More() {
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return arr, nil
}

// NewObject builds an Object from a map with sorted keys. Used by tests and
// callers constructing documents in code.
func NewObject(fields map[string]Value) Object {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Object{Keys: keys, Fields: fields}
}
