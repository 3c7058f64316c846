// Package codec implements the tagged-variant argument/result value
// type and the serialize/deserialize operations that rewrite large byte
// payloads and file references through the blob store.
package codec

import (
	"bytes"
	"encoding/json"
	"math"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindScalar Kind = iota
	KindBytes
	KindNumArray
	KindFile
	KindJobRef
	KindSeq
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindBytes:
		return "bytes"
	case KindNumArray:
		return "ndarray"
	case KindFile:
		return "file"
	case KindJobRef:
		return "jobref"
	case KindSeq:
		return "seq"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the closed sum type every argument and result graph is built
// from: Scalar(v) | Bytes | NumArray | File | JobRef | Seq(Value*) |
// Map(string -> Value). Codecs, fingerprinting, and input resolution
// are total functions over this type rather than reflection-driven
// traversals of arbitrary structs.
type Value struct {
	Kind Kind

	// KindScalar: one of nil, bool, string, int64, float64.
	Scalar interface{}

	// KindBytes. Bytes holds the payload inline; BytesURI holds a
	// blob-store reference instead once the payload has been offloaded.
	// ResolveInputs fetches an offloaded payload back into Bytes.
	Bytes    []byte
	BytesURI string

	// KindNumArray.
	NumArray *NumArray

	// KindFile.
	File *File

	// KindJobRef: the referenced job's id. Only legal in an argument
	// graph prior to dependency resolution; Serialize rejects it.
	JobRef string

	// KindSeq.
	Seq []Value

	// KindMap.
	Map map[string]Value
}

// NumArray is an n-dimensional numeric array. Data holds the packed
// little-endian bytes inline for small arrays; URI holds a blob-store
// reference instead once the array has been offloaded.
type NumArray struct {
	Dtype string
	Shape []int
	Data  []byte
	URI   string
}

// File carries either a local filesystem path (pre-serialization) or a
// blob-store URI plus an optional content hash. Files are value types:
// copying a File never aliases ownership of the underlying bytes.
type File struct {
	Path string
	URI  string
	Hash string
}

// UnmarshalJSON restores a Value marshaled with the default struct
// encoding. The only custom step is the Scalar field: encoding/json
// alone would widen every number to float64, so integer scalars are
// re-read as int64 to survive the JSON hop between processes unchanged.
func (v *Value) UnmarshalJSON(data []byte) error {
	type plain Value
	aux := struct {
		*plain
		Scalar json.RawMessage
	}{plain: (*plain)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Scalar) == 0 || string(aux.Scalar) == "null" {
		v.Scalar = nil
		return nil
	}
	s, err := decodeScalarJSON(aux.Scalar)
	if err != nil {
		return err
	}
	v.Scalar = s
	return nil
}

func decodeScalarJSON(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if n, ok := out.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	}
	return out, nil
}

// AsInt returns the scalar as an int64, accepting the integer shapes a
// Value picks up across JSON and YAML hops.
func (v Value) AsInt() (int64, bool) {
	if v.Kind != KindScalar {
		return 0, false
	}
	switch n := v.Scalar.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}

// AsFloat returns the scalar as a float64 when it carries any numeric shape.
func (v Value) AsFloat() (float64, bool) {
	if v.Kind != KindScalar {
		return 0, false
	}
	switch n := v.Scalar.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Scalar constructors, for readability at call sites.

func Nil() Value { return Value{Kind: KindScalar, Scalar: nil} }

func String(s string) Value { return Value{Kind: KindScalar, Scalar: s} }

func Bool(b bool) Value { return Value{Kind: KindScalar, Scalar: b} }

func Int(i int64) Value { return Value{Kind: KindScalar, Scalar: i} }

func Float(f float64) Value { return Value{Kind: KindScalar, Scalar: f} }

func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

func FileValue(f *File) Value { return Value{Kind: KindFile, File: f} }

func JobRefValue(jobID string) Value { return Value{Kind: KindJobRef, JobRef: jobID} }

func SeqValue(items ...Value) Value { return Value{Kind: KindSeq, Seq: items} }

func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }
