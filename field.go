package dispatchz

import (
	"fmt"
	"math"
	"strings"
)

// FieldSet is the fixed, ordered set of field names declared by a callsite.
// Field lookup by name returns an index assigned by first-occurrence order at
// callsite construction, stable for the life of the set.
type FieldSet struct {
	names    []string
	callsite Identifier
}

func newFieldSet(names []string, callsite Identifier) *FieldSet {
	owned := make([]string, len(names))
	copy(owned, names)
	return &FieldSet{names: owned, callsite: callsite}
}

// NewFieldSet constructs a standalone field set bound to the given callsite.
// Most callers obtain field sets from Metadata.Fields instead.
func NewFieldSet(names []string, callsite Identifier) *FieldSet {
	return newFieldSet(names, callsite)
}

// Field returns the handle for the named field, or false if the name was not
// declared by this callsite.
func (fs *FieldSet) Field(name string) (Field, bool) {
	for i, n := range fs.names {
		if n == name {
			return Field{i: i, fields: fs}, true
		}
	}
	return Field{}, false
}

// Len returns the number of declared fields.
func (fs *FieldSet) Len() int { return len(fs.names) }

// Callsite returns the identity of the callsite that declared this set.
func (fs *FieldSet) Callsite() Identifier { return fs.callsite }

// Contains reports whether the field belongs to this set.
func (fs *FieldSet) Contains(f Field) bool {
	return f.fields != nil && f.fields.callsite == fs.callsite && f.i < len(fs.names)
}

// Names returns the declared field names in declaration order.
func (fs *FieldSet) Names() []string {
	out := make([]string, len(fs.names))
	copy(out, fs.names)
	return out
}

// ValueSet builds a transient value set over this field set. Entries whose
// field belongs to a different callsite are retained but skipped during
// visitation.
func (fs *FieldSet) ValueSet(values ...FieldValue) *ValueSet {
	return &ValueSet{fields: fs, values: values}
}

// String renders the set as {a,b,c}.
func (fs *FieldSet) String() string {
	return "{" + strings.Join(fs.names, ",") + "}"
}

// Field is a lightweight handle to one declared field: an index plus the
// identity of the owning FieldSet. It does not own the name string. Two
// fields are equal iff they share a callsite and an index.
type Field struct {
	i      int
	fields *FieldSet
}

// Name returns the field's declared name.
func (f Field) Name() string {
	if f.fields == nil {
		return ""
	}
	return f.fields.names[f.i]
}

// Index returns the field's position in its declaring set.
func (f Field) Index() int { return f.i }

// Callsite returns the identity of the callsite that declared the field.
func (f Field) Callsite() Identifier {
	if f.fields == nil {
		return Identifier{}
	}
	return f.fields.callsite
}

type valueKind uint8

const (
	valueEmpty valueKind = iota
	valueInt64
	valueUint64
	valueFloat64
	valueBool
	valueString
	valueBytes
	valueError
	valueAny
)

// Value is a field value drawn from a fixed capability set: 64-bit integers,
// floats, booleans, strings, byte slices, errors, and an open "any" variant
// rendered via the language's formatting machinery. The zero Value is the
// Empty marker and is never delivered to a visitor. Narrower numeric types
// are widened to 64 bits at construction.
//
//nolint:govet // Variant payloads grouped by kind for readability
type Value struct {
	kind  valueKind
	num   uint64
	str   string
	bytes []byte
	any   any
}

// Int64Value wraps a signed 64-bit integer.
func Int64Value(v int64) Value { return Value{kind: valueInt64, num: uint64(v)} }

// IntValue widens an int and wraps it as a signed 64-bit integer.
func IntValue(v int) Value { return Int64Value(int64(v)) }

// Uint64Value wraps an unsigned 64-bit integer.
func Uint64Value(v uint64) Value { return Value{kind: valueUint64, num: v} }

// Float64Value wraps a double-precision float.
func Float64Value(v float64) Value { return Value{kind: valueFloat64, num: math.Float64bits(v)} }

// BoolValue wraps a boolean.
func BoolValue(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: valueBool, num: n}
}

// StringValue wraps a string.
func StringValue(v string) Value { return Value{kind: valueString, str: v} }

// BytesValue wraps a byte slice. The slice is borrowed, not copied; it must
// remain valid for the duration of the emission.
func BytesValue(v []byte) Value { return Value{kind: valueBytes, bytes: v} }

// ErrorValue wraps an error.
func ErrorValue(err error) Value {
	if err == nil {
		return Value{}
	}
	return Value{kind: valueError, any: err}
}

// AnyValue wraps an arbitrary value to be rendered via its formatting
// representation (fmt.Stringer when implemented, %+v otherwise).
func AnyValue(v any) Value {
	if v == nil {
		return Value{}
	}
	return Value{kind: valueAny, any: v}
}

// IsEmpty reports whether the value is the Empty marker.
func (v Value) IsEmpty() bool { return v.kind == valueEmpty }

// String renders the value for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case valueEmpty:
		return "<empty>"
	case valueInt64:
		return fmt.Sprintf("%d", int64(v.num))
	case valueUint64:
		return fmt.Sprintf("%d", v.num)
	case valueFloat64:
		return fmt.Sprintf("%g", math.Float64frombits(v.num))
	case valueBool:
		return fmt.Sprintf("%t", v.num == 1)
	case valueString:
		return v.str
	case valueBytes:
		return fmt.Sprintf("%x", v.bytes)
	default:
		return fmt.Sprintf("%+v", v.any)
	}
}

// visit delivers the value to exactly one typed visitor method.
func (v Value) visit(f Field, vis Visitor) {
	switch v.kind {
	case valueEmpty:
		// Empty markers are never delivered.
	case valueInt64:
		vis.VisitInt64(f, int64(v.num))
	case valueUint64:
		vis.VisitUint64(f, v.num)
	case valueFloat64:
		vis.VisitFloat64(f, math.Float64frombits(v.num))
	case valueBool:
		vis.VisitBool(f, v.num == 1)
	case valueString:
		vis.VisitString(f, v.str)
	case valueBytes:
		vis.VisitBytes(f, v.bytes)
	case valueError:
		vis.VisitError(f, v.any.(error))
	case valueAny:
		vis.VisitAny(f, v.any)
	}
}

// Visitor receives typed field values during ValueSet visitation. Each
// recorded value invokes exactly one method.
type Visitor interface {
	VisitInt64(f Field, v int64)
	VisitUint64(f Field, v uint64)
	VisitFloat64(f Field, v float64)
	VisitBool(f Field, v bool)
	VisitString(f Field, v string)
	VisitBytes(f Field, v []byte)
	VisitError(f Field, err error)
	VisitAny(f Field, v any)
}

// FieldValue pairs a field handle with an optional value. A zero Value marks
// a declared-but-unset field.
type FieldValue struct {
	Field Field
	Value Value
}

// ValueSet is the transient set of (field, value) pairs produced at one
// emission. Its lifetime is bounded to that emission call; collectors that
// need the values afterward must copy them during visitation.
//
// Only pairs whose field belongs to the same callsite as the backing
// FieldSet are recordable; entries from a foreign callsite are silently
// skipped. This is a defensive measure against API misuse, not an error.
type ValueSet struct {
	fields *FieldSet
	values []FieldValue
}

// Fields returns the field set this value set was built over.
func (vs *ValueSet) Fields() *FieldSet { return vs.fields }

// Callsite returns the identity of the declaring callsite.
func (vs *ValueSet) Callsite() Identifier { return vs.fields.callsite }

// IsEmpty reports whether the set contains no recordable value: every entry
// is either the Empty marker or belongs to a foreign callsite.
func (vs *ValueSet) IsEmpty() bool {
	for _, fv := range vs.values {
		if fv.Value.IsEmpty() {
			continue
		}
		if fv.Field.Callsite() != vs.fields.callsite {
			continue
		}
		return false
	}
	return true
}

// Visit delivers every recordable value to the visitor in declaration order.
// Empty markers and foreign-callsite entries are skipped.
func (vs *ValueSet) Visit(v Visitor) {
	for _, fv := range vs.values {
		if fv.Field.Callsite() != vs.fields.callsite {
			continue
		}
		fv.Value.visit(fv.Field, v)
	}
}

// Lookup returns the recorded value for the field, if any.
func (vs *ValueSet) Lookup(f Field) (Value, bool) {
	if f.Callsite() != vs.fields.callsite {
		return Value{}, false
	}
	for _, fv := range vs.values {
		if fv.Field == f && !fv.Value.IsEmpty() {
			return fv.Value, true
		}
	}
	return Value{}, false
}
