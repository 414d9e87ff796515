// Package bind converts loosely-typed payload values (nested map[string]any,
// []any and scalars, as produced by the payload codecs) into the concrete
// parameter types handlers expect, without runtime reflection.
//
// A parameter type describes its own shape by implementing Binder:
//
//	type AddArgs struct{ A, B int }
//
//	func (a *AddArgs) BindPayload(v any) error {
//		return bind.Fields(v,
//			bind.Required("a", bind.Int(&a.A)),
//			bind.Optional("b", bind.Int(&a.B)),
//		)
//	}
//
// Field names match case-insensitively, absent optional fields keep their
// zero value, numbers widen between integer and float types when the value
// fits, and an array payload binds to the fields positionally.
package bind

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrBinding is wrapped by every binding failure.
var ErrBinding = errors.New("binding error")

// Error reports which part of the payload failed to bind.
type Error struct {
	Path string // e.g. "items[2].name"; empty for the payload root
	Msg  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "binding error: " + e.Msg
	}
	return "binding error: " + e.Path + ": " + e.Msg
}

func (e *Error) Unwrap() error { return ErrBinding }

// Binder is implemented by parameter shapes.
type Binder interface {
	BindPayload(v any) error
}

// Target binds one loosely-typed value into a destination captured by the
// Target's constructor.
type Target func(v any) error

// Field describes one named member of an object payload.
type Field struct {
	name     string
	target   Target
	required bool
}

func Required(name string, t Target) Field { return Field{name: name, target: t, required: true} }
func Optional(name string, t Target) Field { return Field{name: name, target: t} }

// Fields binds an object (or, positionally, an array) payload.
// A nil payload is treated as an empty object.
func Fields(v any, fields ...Field) error {
	switch obj := v.(type) {
	case nil:
		return bindObject(map[string]any{}, fields)
	case map[string]any:
		return bindObject(obj, fields)
	case []any:
		return bindPositional(obj, fields)
	}
	return mismatch("object", v)
}

func bindObject(obj map[string]any, fields []Field) error {
	for _, f := range fields {
		val, ok := lookup(obj, f.name)
		if !ok || val == nil {
			if f.required {
				return &Error{Path: f.name, Msg: "is required"}
			}
			continue
		}
		if err := f.target(val); err != nil {
			return at(f.name, err)
		}
	}
	return nil
}

func bindPositional(arr []any, fields []Field) error {
	if len(arr) > len(fields) {
		return &Error{Msg: fmt.Sprintf("expected at most %d arguments, got %d", len(fields), len(arr))}
	}
	for i, f := range fields {
		if i >= len(arr) || arr[i] == nil {
			if f.required {
				return &Error{Path: f.name, Msg: "is required"}
			}
			continue
		}
		if err := f.target(arr[i]); err != nil {
			return at(f.name, err)
		}
	}
	return nil
}

// lookup prefers an exact key and falls back to a case-insensitive match.
func lookup(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func Int(dst *int) Target {
	return func(v any) error {
		n, err := toInt(v, math.MinInt, math.MaxInt)
		if err != nil {
			return err
		}
		*dst = int(n)
		return nil
	}
}

func Int32(dst *int32) Target {
	return func(v any) error {
		n, err := toInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		*dst = int32(n)
		return nil
	}
}

func Int64(dst *int64) Target {
	return func(v any) error {
		n, err := toInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func Uint32(dst *uint32) Target {
	return func(v any) error {
		n, err := toInt(v, 0, math.MaxUint32)
		if err != nil {
			return err
		}
		*dst = uint32(n)
		return nil
	}
}

func Float64(dst *float64) Target {
	return func(v any) error {
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func String(dst *string) Target {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return mismatch("string", v)
		}
		*dst = s
		return nil
	}
}

func Bool(dst *bool) Target {
	return func(v any) error {
		switch b := v.(type) {
		case bool:
			*dst = b
			return nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return mismatch("bool", v)
			}
			*dst = parsed
			return nil
		}
		return mismatch("bool", v)
	}
}

// Bytes accepts raw bytes or a standard base64 string.
func Bytes(dst *[]byte) Target {
	return func(v any) error {
		switch b := v.(type) {
		case []byte:
			*dst = b
			return nil
		case string:
			raw, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return &Error{Msg: "invalid base64: " + err.Error()}
			}
			*dst = raw
			return nil
		}
		return mismatch("bytes", v)
	}
}

// Any stores the value untouched.
func Any(dst *any) Target {
	return func(v any) error {
		*dst = v
		return nil
	}
}

// Struct binds a nested object into a Binder.
func Struct(dst Binder) Target {
	return func(v any) error {
		return dst.BindPayload(v)
	}
}

// Slice binds an array, each element through the Target elem builds.
func Slice[T any](dst *[]T, elem func(*T) Target) Target {
	return func(v any) error {
		arr, ok := v.([]any)
		if !ok {
			return mismatch("array", v)
		}
		out := make([]T, len(arr))
		for i, item := range arr {
			if item == nil {
				continue
			}
			if err := elem(&out[i])(item); err != nil {
				return at("["+strconv.Itoa(i)+"]", err)
			}
		}
		*dst = out
		return nil
	}
}

// StringMap binds an object with arbitrary keys.
func StringMap[T any](dst *map[string]T, elem func(*T) Target) Target {
	return func(v any) error {
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch("object", v)
		}
		out := make(map[string]T, len(obj))
		for k, item := range obj {
			var t T
			if item != nil {
				if err := elem(&t)(item); err != nil {
					return at(k, err)
				}
			}
			out[k] = t
		}
		*dst = out
		return nil
	}
}

func toInt(v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, overflow(v)
		}
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, overflow(v)
		}
		n = int64(x)
	case float32:
		return floatToInt(float64(x), lo, hi)
	case float64:
		return floatToInt(x, lo, hi)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			n = i
			break
		}
		f, err := x.Float64()
		if err != nil {
			return 0, mismatch("integer", v)
		}
		return floatToInt(f, lo, hi)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, mismatch("integer", v)
		}
		n = i
	default:
		return 0, mismatch("integer", v)
	}
	if n < lo || n > hi {
		return 0, overflow(v)
	}
	return n, nil
}

func floatToInt(f float64, lo, hi int64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, &Error{Msg: fmt.Sprintf("%v is not an integer", f)}
	}
	// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is
	// exclusive at hi+1.
	if f < float64(lo) || f >= float64(hi)+1 {
		return 0, overflow(f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, mismatch("number", v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, mismatch("number", v)
		}
		return f, nil
	}
	return 0, mismatch("number", v)
}

func mismatch(want string, got any) *Error {
	return &Error{Msg: fmt.Sprintf("cannot bind %s to %s", kindOf(got), want)}
}

func overflow(v any) *Error {
	return &Error{Msg: fmt.Sprintf("%v out of range", v)}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number, float64, float32, int, int32, int64, uint32, uint64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// at prefixes err's path with seg.
func at(seg string, err error) error {
	var be *Error
	if !errors.As(err, &be) {
		return &Error{Path: seg, Msg: err.Error()}
	}
	path := seg
	switch {
	case be.Path == "":
	case strings.HasPrefix(be.Path, "["):
		path = seg + be.Path
	default:
		path = seg + "." + be.Path
	}
	return &Error{Path: path, Msg: be.Msg}
}
