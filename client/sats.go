package client

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spacetimedb-community/spacetimedb-go/bsatn"
)

// AlgebraicValue represents any self-describing value. Reducer arguments
// and JSON-decoded rows travel as these; application schemas stay outside
// the protocol layer.
type AlgebraicValue interface {
	isAlgebraicValue()
	encodeBsatn(w *bsatn.Writer) error
}

// SumValue represents an instance of a tagged union. Its JSON form is the
// single-key object {tag: value}; its binary form is a one-field struct
// whose field name is the variant tag.
type SumValue struct {
	Tag   string         `json:"-"`
	Value AlgebraicValue `json:"-"`
}

// NewSum creates a SumValue.
func NewSum(tag string, value AlgebraicValue) SumValue {
	return SumValue{Tag: tag, Value: value}
}

// MarshalJSON implements custom JSON marshaling for SumValue
func (sv SumValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]AlgebraicValue{
		sv.Tag: sv.Value,
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for SumValue
func (sv *SumValue) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("sum value must have exactly one key-value pair")
	}
	for tag, rawValue := range m {
		sv.Tag = tag
		var value any
		if err := json.Unmarshal(rawValue, &value); err != nil {
			return err
		}
		sv.Value = BuiltinValue{Value: value}
	}
	return nil
}

func (SumValue) isAlgebraicValue() {}

func (sv SumValue) encodeBsatn(w *bsatn.Writer) error {
	w.WriteStructHeader(1)
	w.WriteFieldName(sv.Tag)
	if sv.Value == nil {
		w.WriteOptionNone()
		return w.Err()
	}
	if err := sv.Value.encodeBsatn(w); err != nil {
		return err
	}
	return w.Err()
}

// ProductValue represents an instance of a product (struct/tuple). Its
// JSON form is a positional array; its binary form is a list.
type ProductValue struct {
	Elements []AlgebraicValue `json:"-"`
}

// NewProduct creates a ProductValue.
func NewProduct(elements ...AlgebraicValue) ProductValue {
	return ProductValue{Elements: elements}
}

// MarshalJSON implements custom JSON marshaling for ProductValue
func (pv ProductValue) MarshalJSON() ([]byte, error) {
	if pv.Elements == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(pv.Elements)
}

// UnmarshalJSON implements custom JSON unmarshaling for ProductValue
func (pv *ProductValue) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pv.Elements = make([]AlgebraicValue, len(raw))
	for i, r := range raw {
		var value any
		if err := json.Unmarshal(r, &value); err != nil {
			return err
		}
		pv.Elements[i] = BuiltinValue{Value: value}
	}
	return nil
}

func (ProductValue) isAlgebraicValue() {}

func (pv ProductValue) encodeBsatn(w *bsatn.Writer) error {
	w.WriteListHeader(len(pv.Elements))
	for _, e := range pv.Elements {
		if e == nil {
			w.WriteOptionNone()
			continue
		}
		if err := e.encodeBsatn(w); err != nil {
			return err
		}
	}
	return w.Err()
}

// BuiltinValue represents an instance of a primitive type
type BuiltinValue struct {
	Value any `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for BuiltinValue
func (bv BuiltinValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(bv.Value)
}

// UnmarshalJSON implements custom JSON unmarshaling for BuiltinValue
func (bv *BuiltinValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &bv.Value)
}

func (BuiltinValue) isAlgebraicValue() {}

func (bv BuiltinValue) encodeBsatn(w *bsatn.Writer) error {
	switch v := bv.Value.(type) {
	case nil:
		w.WriteOptionNone()
	case bool:
		w.WriteBool(v)
	case uint8:
		w.WriteU8(v)
	case int8:
		w.WriteI8(v)
	case uint16:
		w.WriteU16(v)
	case int16:
		w.WriteI16(v)
	case uint32:
		w.WriteU32(v)
	case int32:
		w.WriteI32(v)
	case uint64:
		w.WriteU64(v)
	case int64:
		w.WriteI64(v)
	case int:
		w.WriteI64(int64(v))
	case uint:
		w.WriteU64(uint64(v))
	case float32:
		w.WriteF32(v)
	case float64:
		w.WriteF64(v)
	case string:
		w.WriteString(v)
	case []byte:
		w.WriteBytes(v)
	case []any:
		w.WriteListHeader(len(v))
		for _, e := range v {
			if err := (BuiltinValue{Value: e}).encodeBsatn(w); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.WriteStructHeader(len(keys))
		for _, k := range keys {
			w.WriteFieldName(k)
			if err := (BuiltinValue{Value: v[k]}).encodeBsatn(w); err != nil {
				return err
			}
		}
	case AlgebraicValue:
		return v.encodeBsatn(w)
	default:
		return &bsatn.EncodingError{Msg: fmt.Sprintf("unsupported builtin value type %T", bv.Value)}
	}
	return w.Err()
}

// Builtin value constructors for convenience

func NewBool(v bool) BuiltinValue     { return BuiltinValue{Value: v} }
func NewU8(v uint8) BuiltinValue      { return BuiltinValue{Value: v} }
func NewU16(v uint16) BuiltinValue    { return BuiltinValue{Value: v} }
func NewU32(v uint32) BuiltinValue    { return BuiltinValue{Value: v} }
func NewU64(v uint64) BuiltinValue    { return BuiltinValue{Value: v} }
func NewI8(v int8) BuiltinValue       { return BuiltinValue{Value: v} }
func NewI16(v int16) BuiltinValue     { return BuiltinValue{Value: v} }
func NewI32(v int32) BuiltinValue     { return BuiltinValue{Value: v} }
func NewI64(v int64) BuiltinValue     { return BuiltinValue{Value: v} }
func NewF32(v float32) BuiltinValue   { return BuiltinValue{Value: v} }
func NewF64(v float64) BuiltinValue   { return BuiltinValue{Value: v} }
func NewString(v string) BuiltinValue { return BuiltinValue{Value: v} }
func NewBytes(v []byte) BuiltinValue  { return BuiltinValue{Value: v} }

// EncodeArgs serializes reducer arguments for the given protocol: a JSON
// array for the text protocol, a BSATN list for the binary protocol. The
// result is the opaque args payload of a CallReducer message.
func EncodeArgs(protocol Protocol, args ...AlgebraicValue) ([]byte, error) {
	product := ProductValue{Elements: args}
	switch protocol {
	case TextProtocol:
		return json.Marshal(product)
	case BinaryProtocol:
		w := bsatn.NewWriter()
		if err := product.encodeBsatn(w); err != nil {
			return nil, err
		}
		return w.Bytes()
	default:
		return nil, fmt.Errorf("unsupported protocol %q", string(protocol))
	}
}

// DecodeValueJSON parses a JSON-encoded row or argument payload into the
// value model. Objects and arrays stay generic builtins.
func DecodeValueJSON(data []byte) (AlgebraicValue, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return BuiltinValue{Value: v}, nil
}
