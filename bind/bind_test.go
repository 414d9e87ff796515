package bind

import (
	"encoding/json"
	"errors"
	"testing"
)

type point struct {
	X, Y int
}

func (p *point) BindPayload(v any) error {
	return Fields(v,
		Required("x", Int(&p.X)),
		Required("y", Int(&p.Y)),
	)
}

type shape struct {
	Name   string
	Scale  float64
	Points []point
	Tags   map[string]string
	Closed bool
	Extra  any
}

func (s *shape) BindPayload(v any) error {
	return Fields(v,
		Required("name", String(&s.Name)),
		Optional("scale", Float64(&s.Scale)),
		Optional("points", Slice(&s.Points, func(p *point) Target { return Struct(p) })),
		Optional("tags", StringMap(&s.Tags, String)),
		Optional("closed", Bool(&s.Closed)),
		Optional("extra", Any(&s.Extra)),
	)
}

func TestBindNested(t *testing.T) {
	payload := map[string]any{
		"Name":   "tri",
		"SCALE":  json.Number("1.5"),
		"points": []any{map[string]any{"x": float64(1), "y": json.Number("2")}, map[string]any{"X": 3, "Y": 4}},
		"tags":   map[string]any{"color": "red"},
		"extra":  []any{"kept"},
	}
	var s shape
	if err := s.BindPayload(payload); err != nil {
		t.Fatalf("BindPayload: %v", err)
	}
	if s.Name != "tri" || s.Scale != 1.5 || s.Tags["color"] != "red" || s.Closed {
		t.Fatalf("bound %+v", s)
	}
	if len(s.Points) != 2 || s.Points[0] != (point{1, 2}) || s.Points[1] != (point{3, 4}) {
		t.Fatalf("points = %+v", s.Points)
	}
	if arr, ok := s.Extra.([]any); !ok || arr[0] != "kept" {
		t.Fatalf("extra = %#v", s.Extra)
	}
}

func TestBindErrorPath(t *testing.T) {
	payload := map[string]any{
		"name":   "tri",
		"points": []any{map[string]any{"x": 1, "y": 2}, map[string]any{"x": 1, "y": "north"}},
	}
	var s shape
	err := s.BindPayload(payload)
	if !errors.Is(err, ErrBinding) {
		t.Fatalf("expected binding error, got %v", err)
	}
	var be *Error
	if !errors.As(err, &be) || be.Path != "points[1].y" {
		t.Fatalf("path = %q (%v)", be.Path, err)
	}
}

func TestBindMissingRequired(t *testing.T) {
	var p point
	err := p.BindPayload(map[string]any{"x": 1})
	var be *Error
	if !errors.As(err, &be) || be.Path != "y" {
		t.Fatalf("got %v", err)
	}
	if err := p.BindPayload(map[string]any{"x": 1, "y": nil}); err == nil {
		t.Fatal("null must not satisfy a required field")
	}
	if err := p.BindPayload(nil); err == nil {
		t.Fatal("nil payload must not satisfy required fields")
	}
}

func TestBindPositional(t *testing.T) {
	var p point
	if err := p.BindPayload([]any{float64(5), float64(6)}); err != nil {
		t.Fatal(err)
	}
	if p != (point{5, 6}) {
		t.Fatalf("bound %+v", p)
	}
	if err := p.BindPayload([]any{1, 2, 3}); !errors.Is(err, ErrBinding) {
		t.Fatalf("too many arguments: %v", err)
	}
	if err := p.BindPayload([]any{1}); err == nil {
		t.Fatal("missing positional argument accepted")
	}
}

func TestBindNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		ok   bool
		want int64
	}{
		{"float integral", float64(42), true, 42},
		{"float fractional", 1.5, false, 0},
		{"json number", json.Number("-7"), true, -7},
		{"json exponent", json.Number("1e3"), true, 1000},
		{"numeric string", "12", true, 12},
		{"word", "twelve", false, 0},
		{"bool", true, false, 0},
		{"object", map[string]any{}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int64
			err := Int64(&got)(tt.in)
			if tt.ok != (err == nil) {
				t.Fatalf("err = %v", err)
			}
			if tt.ok && got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBindRange(t *testing.T) {
	var u uint32
	if err := Uint32(&u)(float64(-1)); err == nil {
		t.Fatal("negative value bound to uint32")
	}
	if err := Uint32(&u)(json.Number("4294967296")); err == nil {
		t.Fatal("overflowing value bound to uint32")
	}
	var i32 int32
	if err := Int32(&i32)(float64(1 << 31)); err == nil {
		t.Fatal("overflowing value bound to int32")
	}

	// 2^63 is one past MaxInt64 and must not wrap to MinInt64.
	var i64 int64
	for _, v := range []any{json.Number("9223372036854775808"), float64(1 << 63)} {
		if err := Int64(&i64)(v); !errors.Is(err, ErrBinding) {
			t.Fatalf("Int64(%v) = %d, %v", v, i64, err)
		}
	}
	var n int
	if err := Int(&n)(float64(1 << 63)); !errors.Is(err, ErrBinding) {
		t.Fatalf("Int(2^63) = %d, %v", n, err)
	}
	if err := Int64(&i64)(float64(-1 << 63)); err != nil || i64 != -1<<63 {
		t.Fatalf("Int64(-2^63) = %d, %v", i64, err)
	}
}

func TestBindBytes(t *testing.T) {
	var b []byte
	if err := Bytes(&b)("aGVsbG8="); err != nil || string(b) != "hello" {
		t.Fatalf("base64: %q, %v", b, err)
	}
	if err := Bytes(&b)("%%%"); err == nil {
		t.Fatal("invalid base64 accepted")
	}
}

func TestBindTypeMismatch(t *testing.T) {
	var s string
	if err := String(&s)(float64(1)); !errors.Is(err, ErrBinding) {
		t.Fatalf("got %v", err)
	}
	var p point
	if err := p.BindPayload("not an object"); !errors.Is(err, ErrBinding) {
		t.Fatalf("got %v", err)
	}
}
