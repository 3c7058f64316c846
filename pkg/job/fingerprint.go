package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/cuemby/lattice/pkg/codec"
)

// Fingerprint computes the deterministic, content-addressable key for a
// job's computation: a hash over the
// function name, version, container image string, and a normalized
// serialization of args in which every upstream JobRef has already been
// replaced by that upstream job's own fingerprint in upstreamFPs.
//
// Fingerprinting never touches the blob store: inline byte/array
// payloads are folded into the hash by their own content hash, so two
// jobs with byte-identical inline arguments always fingerprint
// identically. A payload that is already offloaded (no inline data,
// only a blob URI) is folded in by its URI instead, so it does not
// fingerprint the same as an inline copy of the same bytes.
func Fingerprint(functionName, functionVersion, container string, args codec.Value, upstreamFPs map[string]string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "fn=%s\x00ver=%s\x00container=%s\x00", functionName, functionVersion, container)

	if err := writeCanonical(h, args, upstreamFPs); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeCanonical(w hashWriter, v codec.Value, upstreamFPs map[string]string) error {
	switch v.Kind {
	case codec.KindScalar:
		fmt.Fprintf(w, "scalar:%v\x00", v.Scalar)
		return nil

	case codec.KindBytes:
		if v.Bytes == nil && v.BytesURI != "" {
			fmt.Fprintf(w, "bytes-uri:%s\x00", v.BytesURI)
			return nil
		}
		sum := sha256.Sum256(v.Bytes)
		fmt.Fprintf(w, "bytes:%s\x00", hex.EncodeToString(sum[:]))
		return nil

	case codec.KindNumArray:
		if v.NumArray.Data == nil && v.NumArray.URI != "" {
			fmt.Fprintf(w, "ndarray-uri:%s:%s:%s\x00", v.NumArray.Dtype, shapeKey(v.NumArray.Shape), v.NumArray.URI)
			return nil
		}
		sum := sha256.Sum256(v.NumArray.Data)
		fmt.Fprintf(w, "ndarray:%s:%s:%s\x00", v.NumArray.Dtype, shapeKey(v.NumArray.Shape), hex.EncodeToString(sum[:]))
		return nil

	case codec.KindFile:
		fmt.Fprintf(w, "file:%s:%s\x00", v.File.Hash, v.File.URI)
		return nil

	case codec.KindJobRef:
		fp, ok := upstreamFPs[v.JobRef]
		if !ok {
			return fmt.Errorf("job: fingerprint requires resolved fingerprint for upstream job %s", v.JobRef)
		}
		fmt.Fprintf(w, "jobref:%s\x00", fp)
		return nil

	case codec.KindSeq:
		fmt.Fprintf(w, "seq(%d):\x00", len(v.Seq))
		for _, item := range v.Seq {
			if err := writeCanonical(w, item, upstreamFPs); err != nil {
				return err
			}
		}
		return nil

	case codec.KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "map(%d):\x00", len(keys))
		for _, k := range keys {
			fmt.Fprintf(w, "key:%s\x00", k)
			if err := writeCanonical(w, v.Map[k], upstreamFPs); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("job: unknown value kind %v in argument graph", v.Kind)
	}
}

func shapeKey(shape []int) string {
	parts := make([]string, len(shape))
	for i, n := range shape {
		parts[i] = strconv.Itoa(n)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
