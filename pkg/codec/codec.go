package codec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/lattice/pkg/blobstore"
)

// InlineThreshold is the size, in bytes, above which Bytes and NumArray
// payloads are shipped to the blob store instead of carried inline.
const InlineThreshold = 4096

const tagKey = "__lattice_type__"

// Serialize walks v and produces plain, JSON-marshalable data: maps,
// slices, and scalar values passed through as stored (strings, numbers,
// bool and nil). Byte arrays and numeric
// arrays above InlineThreshold are rewritten through store and replaced
// by a tagged reference; File values are normalized to blob-store URIs.
// Serialize fails on an unresolved JobRef: by the time a job's
// arguments reach the codec, every upstream reference must already
// have been replaced with a finished result.
func Serialize(ctx context.Context, v Value, store blobstore.Store) (interface{}, error) {
	switch v.Kind {
	case KindScalar:
		return v.Scalar, nil

	case KindBytes:
		if v.Bytes == nil && v.BytesURI != "" {
			// Already offloaded (e.g. round-tripped through Deserialize);
			// the rewrite is idempotent, so keep pointing at the same blob.
			return map[string]interface{}{
				tagKey: "bytes",
				"uri":  v.BytesURI,
			}, nil
		}
		if len(v.Bytes) <= InlineThreshold {
			return map[string]interface{}{
				tagKey: "bytes_inline",
				"data": base64.StdEncoding.EncodeToString(v.Bytes),
			}, nil
		}
		uri, err := store.Put(ctx, v.Bytes)
		if err != nil {
			return nil, fmt.Errorf("codec: offload bytes: %w", err)
		}
		return map[string]interface{}{
			tagKey: "bytes",
			"uri":  uri,
		}, nil

	case KindNumArray:
		return serializeNumArray(ctx, v.NumArray, store)

	case KindFile:
		return serializeFile(ctx, v.File, store)

	case KindJobRef:
		return nil, fmt.Errorf("codec: cannot serialize unresolved job reference %q", v.JobRef)

	case KindSeq:
		out := make([]interface{}, len(v.Seq))
		for i, item := range v.Seq {
			s, err := Serialize(ctx, item, store)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil

	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s, err := Serialize(ctx, v.Map[k], store)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil

	default:
		return nil, fmt.Errorf("codec: unknown value kind %v", v.Kind)
	}
}

func serializeNumArray(ctx context.Context, n *NumArray, store blobstore.Store) (interface{}, error) {
	if n.URI != "" {
		// Already offloaded (e.g. round-tripped through Deserialize); the
		// rewrite is idempotent, so keep pointing at the same blob.
		return map[string]interface{}{
			tagKey:  "ndarray",
			"uri":   n.URI,
			"dtype": n.Dtype,
			"shape": intsToInterfaces(n.Shape),
		}, nil
	}
	if len(n.Data) <= InlineThreshold {
		return map[string]interface{}{
			tagKey:  "ndarray_inline",
			"data":  base64.StdEncoding.EncodeToString(n.Data),
			"dtype": n.Dtype,
			"shape": intsToInterfaces(n.Shape),
		}, nil
	}
	uri, err := store.Put(ctx, n.Data)
	if err != nil {
		return nil, fmt.Errorf("codec: offload ndarray: %w", err)
	}
	return map[string]interface{}{
		tagKey:  "ndarray",
		"uri":   uri,
		"dtype": n.Dtype,
		"shape": intsToInterfaces(n.Shape),
	}, nil
}

func serializeFile(ctx context.Context, f *File, store blobstore.Store) (interface{}, error) {
	uri := f.URI
	if uri == "" {
		var err error
		uri, err = store.PutFile(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("codec: offload file %s: %w", f.Path, err)
		}
	}
	return map[string]interface{}{
		tagKey: "file",
		"uri":  uri,
		"hash": f.Hash,
	}, nil
}

// Deserialize is the inverse of Serialize: it reads plain data (as
// produced by encoding/json.Unmarshal into interface{}, or by Serialize
// itself) and reconstructs a Value. It never eagerly fetches blob
// contents; File and NumArray values deserialized from a blob
// reference carry the URI and are resolved lazily.
func Deserialize(data interface{}) (Value, error) {
	switch d := data.(type) {
	case nil:
		return Nil(), nil
	case bool, string, float64, int64, int:
		return Value{Kind: KindScalar, Scalar: d}, nil
	case json.Number:
		if i, err := d.Int64(); err == nil {
			return Value{Kind: KindScalar, Scalar: i}, nil
		}
		f, err := d.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("codec: malformed number %q", d.String())
		}
		return Value{Kind: KindScalar, Scalar: f}, nil
	case []interface{}:
		seq := make([]Value, len(d))
		for i, item := range d {
			v, err := Deserialize(item)
			if err != nil {
				return Value{}, err
			}
			seq[i] = v
		}
		return Value{Kind: KindSeq, Seq: seq}, nil
	case map[string]interface{}:
		if tag, ok := d[tagKey]; ok {
			return deserializeTagged(tag.(string), d)
		}
		m := make(map[string]Value, len(d))
		for k, item := range d {
			v, err := Deserialize(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{Kind: KindMap, Map: m}, nil
	default:
		return Value{}, fmt.Errorf("codec: cannot deserialize plain-data of type %T", data)
	}
}

func deserializeTagged(tag string, d map[string]interface{}) (Value, error) {
	switch tag {
	case "bytes_inline":
		raw, err := base64.StdEncoding.DecodeString(d["data"].(string))
		if err != nil {
			return Value{}, fmt.Errorf("codec: decode inline bytes: %w", err)
		}
		return Value{Kind: KindBytes, Bytes: raw}, nil

	case "bytes":
		uri, _ := d["uri"].(string)
		if uri == "" {
			return Value{}, fmt.Errorf("codec: offloaded bytes reference is missing its uri")
		}
		return Value{Kind: KindBytes, BytesURI: uri}, nil

	case "ndarray_inline":
		raw, err := base64.StdEncoding.DecodeString(d["data"].(string))
		if err != nil {
			return Value{}, fmt.Errorf("codec: decode inline ndarray: %w", err)
		}
		return Value{Kind: KindNumArray, NumArray: &NumArray{
			Dtype: d["dtype"].(string),
			Shape: interfacesToInts(d["shape"].([]interface{})),
			Data:  raw,
		}}, nil

	case "ndarray":
		return Value{Kind: KindNumArray, NumArray: &NumArray{
			Dtype: d["dtype"].(string),
			Shape: interfacesToInts(d["shape"].([]interface{})),
			URI:   d["uri"].(string),
		}}, nil

	case "file":
		hash, _ := d["hash"].(string)
		return Value{Kind: KindFile, File: &File{URI: d["uri"].(string), Hash: hash}}, nil

	case "jobref":
		return Value{Kind: KindJobRef, JobRef: d["job_id"].(string)}, nil

	default:
		return Value{}, fmt.Errorf("codec: unknown tagged type %q", tag)
	}
}

// ResolveBytes returns the raw bytes for a Bytes value, fetching from
// the blob store if the payload was offloaded. Used by "bytes" plain
// data that Deserialize alone cannot resolve without store access.
func ResolveBytes(ctx context.Context, d map[string]interface{}, store blobstore.Store) ([]byte, error) {
	uri, ok := d["uri"].(string)
	if !ok {
		return nil, fmt.Errorf("codec: resolve bytes: missing uri")
	}
	return store.Get(ctx, uri)
}

// ResolveNumArray returns the packed bytes of an array value, fetching
// from the blob store when the array was offloaded.
func ResolveNumArray(ctx context.Context, n *NumArray, store blobstore.Store) ([]byte, error) {
	if n.Data != nil {
		return n.Data, nil
	}
	return store.Get(ctx, n.URI)
}

// ResolveFile returns a local filesystem path for f, materializing it
// from the blob store when f carries only a URI.
func ResolveFile(ctx context.Context, f *File, store blobstore.Store) (string, error) {
	if f.Path != "" {
		return f.Path, nil
	}
	return store.GetFile(ctx, f.URI)
}

func intsToInterfaces(ints []int) []interface{} {
	out := make([]interface{}, len(ints))
	for i, v := range ints {
		out[i] = v
	}
	return out
}

func interfacesToInts(vals []interface{}) []int {
	out := make([]int, len(vals))
	for i, v := range vals {
		switch n := v.(type) {
		case float64:
			out[i] = int(n)
		case int:
			out[i] = n
		case json.Number:
			parsed, err := n.Int64()
			if err == nil {
				out[i] = int(parsed)
			}
		}
	}
	return out
}

// FromJSON decodes JSON-encoded plain data into a Value, preserving
// integer scalars as int64 (encoding/json alone would widen every
// number to float64).
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var plain interface{}
	if err := dec.Decode(&plain); err != nil {
		return Value{}, fmt.Errorf("codec: decode json: %w", err)
	}
	return Deserialize(plain)
}

// ResolveInputs replaces every deferred reference in v with a concrete
// local value: File entries gain a local filesystem path, offloaded
// Bytes and NumArray payloads are fetched back from the blob store.
// Called by whichever process is about to hand args to a user function,
// since the function itself has no blob-store access.
func ResolveInputs(ctx context.Context, v Value, store blobstore.Store) (Value, error) {
	var firstErr error
	out := Walk(v, func(leaf Value) (Value, bool) {
		if firstErr != nil {
			return Value{}, false
		}
		switch leaf.Kind {
		case KindFile:
			if leaf.File == nil || leaf.File.Path != "" {
				return Value{}, false
			}
			path, err := store.GetFile(ctx, leaf.File.URI)
			if err != nil {
				firstErr = fmt.Errorf("codec: resolve file %s: %w", leaf.File.URI, err)
				return Value{}, false
			}
			resolved := *leaf.File
			resolved.Path = path
			return Value{Kind: KindFile, File: &resolved}, true

		case KindBytes:
			if leaf.Bytes != nil || leaf.BytesURI == "" {
				return Value{}, false
			}
			data, err := store.Get(ctx, leaf.BytesURI)
			if err != nil {
				firstErr = fmt.Errorf("codec: resolve bytes %s: %w", leaf.BytesURI, err)
				return Value{}, false
			}
			return Value{Kind: KindBytes, Bytes: data, BytesURI: leaf.BytesURI}, true

		case KindNumArray:
			if leaf.NumArray == nil || leaf.NumArray.Data != nil || leaf.NumArray.URI == "" {
				return Value{}, false
			}
			data, err := store.Get(ctx, leaf.NumArray.URI)
			if err != nil {
				firstErr = fmt.Errorf("codec: resolve ndarray %s: %w", leaf.NumArray.URI, err)
				return Value{}, false
			}
			arr := *leaf.NumArray
			arr.Data = data
			return Value{Kind: KindNumArray, NumArray: &arr}, true
		}
		return Value{}, false
	})
	if firstErr != nil {
		return Value{}, firstErr
	}
	return out, nil
}

// Walk applies fn to every Value node in v, depth-first, returning a
// new graph with fn's replacements spliced in. It is a total,
// non-reflective structural transform used both to resolve Job
// references into results and to resolve File arguments into local
// paths before invoking a user function.
func Walk(v Value, fn func(Value) (Value, bool)) Value {
	if replacement, ok := fn(v); ok {
		return replacement
	}
	switch v.Kind {
	case KindSeq:
		out := make([]Value, len(v.Seq))
		for i, item := range v.Seq {
			out[i] = Walk(item, fn)
		}
		return Value{Kind: KindSeq, Seq: out}
	case KindMap:
		out := make(map[string]Value, len(v.Map))
		for k, item := range v.Map {
			out[k] = Walk(item, fn)
		}
		return Value{Kind: KindMap, Map: out}
	default:
		return v
	}
}

// CollectJobRefs returns the set of job ids referenced anywhere in v.
func CollectJobRefs(v Value) []string {
	seen := map[string]bool{}
	var order []string
	var visit func(Value)
	visit = func(v Value) {
		switch v.Kind {
		case KindJobRef:
			if !seen[v.JobRef] {
				seen[v.JobRef] = true
				order = append(order, v.JobRef)
			}
		case KindSeq:
			for _, item := range v.Seq {
				visit(item)
			}
		case KindMap:
			keys := make([]string, 0, len(v.Map))
			for k := range v.Map {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				visit(v.Map[k])
			}
		}
	}
	visit(v)
	return order
}
