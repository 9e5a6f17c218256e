// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of evidence entries.
//
// Every hash in the ledger is computed over the output of Canonicalize, so the
// encoder accepts only a closed set of value shapes:
//
//	null, bool, finite number, string, ordered list, string-keyed map
//
// plus any type implementing Valuer. Everything else is rejected with an
// *Error rather than being stringified.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

const maxDepth = 128

// Valuer lets typed descriptors enter the canonical value union. The returned
// value is canonicalized recursively and must itself be in the union.
type Valuer interface {
	CanonicalValue() any
}

var (
	numberType = reflect.TypeOf(json.Number(""))
	rawType    = reflect.TypeOf(json.RawMessage(nil))
)

// Canonicalize returns the canonical string form of v.
//
// Key features:
//  1. Map keys are sorted per RFC 8785; input order is irrelevant.
//  2. Numbers use the ES6 shortest round-trip form, so 1, 1.0, int64(1) and
//     json.Number("1.0") all encode as 1. Negative zero encodes as 0.
//  3. NaN and ±Inf are rejected, as are integers that a double cannot hold.
//  4. Strings must be valid UTF-8 and are NFC-normalised.
func Canonicalize(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JCS returns the canonical bytes of v.
func JCS(v any) ([]byte, error) {
	tree, err := normalize(reflect.ValueOf(v), "$", 0)
	if err != nil {
		return nil, err
	}

	// The tree only holds json-safe shapes at this point; jcs.Transform owns
	// key ordering, string escaping and number formatting.
	intermediate, err := json.Marshal(tree)
	if err != nil {
		return nil, &Error{Path: "$", Err: err}
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, &Error{Path: "$", Err: err}
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashString is HashBytes over the UTF-8 bytes of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

func normalize(rv reflect.Value, path string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, &Error{Path: path, Err: ErrTooDeep}
	}
	if !rv.IsValid() {
		return nil, nil
	}

	// Unwrap interfaces and pointers first so Valuer implementations on
	// either receiver kind are seen.
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		if vv, ok := asValuer(rv); ok {
			return normalize(reflect.ValueOf(vv.CanonicalValue()), path, depth+1)
		}
		rv = rv.Elem()
	}
	if vv, ok := asValuer(rv); ok {
		return normalize(reflect.ValueOf(vv.CanonicalValue()), path, depth+1)
	}

	switch rv.Type() {
	case numberType:
		return normalizeNumber(json.Number(rv.String()), path)
	case rawType:
		return normalizeRaw(rv.Bytes(), path, depth)
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		f := float64(i)
		if f >= 0x1p63 || int64(f) != i {
			return nil, &Error{Path: path, Err: ErrPrecision}
		}
		return f, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		f := float64(u)
		if f >= 0x1p64 || uint64(f) != u {
			return nil, &Error{Path: path, Err: ErrPrecision}
		}
		return f, nil

	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &Error{Path: path, Err: ErrNonFinite}
		}
		if f == 0 {
			return float64(0), nil
		}
		return f, nil

	case reflect.String:
		return normalizeString(rv.String(), path)

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, &Error{Path: path, Err: fmt.Errorf("%w: raw bytes", ErrUnsupportedType)}
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := normalize(rv.Index(i), path+"["+strconv.Itoa(i)+"]", depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &Error{Path: path, Err: fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			raw := iter.Key().String()
			key, err := normalizeString(raw, path)
			if err != nil {
				return nil, err
			}
			if _, dup := out[key.(string)]; dup {
				return nil, &Error{Path: path + "." + raw, Err: ErrDuplicateKey}
			}
			val, err := normalize(iter.Value(), path+"."+raw, depth+1)
			if err != nil {
				return nil, err
			}
			out[key.(string)] = val
		}
		return out, nil

	default:
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())}
	}
}

func asValuer(rv reflect.Value) (Valuer, bool) {
	if !rv.CanInterface() {
		return nil, false
	}
	vv, ok := rv.Interface().(Valuer)
	return vv, ok
}

func normalizeString(s, path string) (any, error) {
	if !utf8.ValidString(s) {
		return nil, &Error{Path: path, Err: ErrInvalidUTF8}
	}
	return norm.NFC.String(s), nil
}

// normalizeNumber parses a JSON number literal. An integral value must be
// exactly representable as a double; fractions are taken at double
// precision, as every JSON parser does.
func normalizeNumber(n json.Number, path string) (any, error) {
	s := n.String()
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if math.IsInf(f, 0) {
			return nil, &Error{Path: path, Err: ErrNonFinite}
		}
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: number %q", ErrUnsupportedType, s)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &Error{Path: path, Err: ErrNonFinite}
	}
	// Below 2^53 every integer is exact, which also keeps big.Rat away from
	// literals with huge negative exponents.
	if math.Abs(f) >= 0x1p53 {
		if exact, ok := new(big.Rat).SetString(s); ok && exact.IsInt() && new(big.Rat).SetFloat64(f).Cmp(exact) != 0 {
			return nil, &Error{Path: path, Err: ErrPrecision}
		}
	}
	if f == 0 {
		return float64(0), nil
	}
	return f, nil
}

// normalizeRaw decodes an embedded JSON document. Numbers stay json.Number
// so integer precision checks still apply.
func normalizeRaw(b []byte, path string, depth int) (any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: %v", ErrMalformedJSON, err)}
	}
	if dec.More() {
		return nil, &Error{Path: path, Err: fmt.Errorf("%w: trailing data", ErrMalformedJSON)}
	}
	return normalize(reflect.ValueOf(generic), path, depth+1)
}
