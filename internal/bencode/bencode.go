// Package bencode implements a generic bencode value codec.
//
// It exists alongside github.com/jackpal/bencode-go (used elsewhere in
// this module for typed struct decoding) because the info-hash
// computation and the extension protocol both need something bencode-go
// doesn't give: a handle on the exact raw bytes a dictionary was parsed
// from, so it can be hashed without re-encoding it.
package bencode

import "fmt"

// Kind identifies the four bencode value types.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Value is a decoded bencode value. Exactly one of the typed fields is
// meaningful, selected by Kind. For Kind == KindDict, Raw holds the exact
// input slice the dictionary was decoded from (including the leading
// "d" and trailing "e"), which is what makes info-hash computation
// possible without a re-encode round trip.
type Value struct {
	Kind Kind

	Int  int64
	Str  []byte
	List []*Value
	Dict map[string]*Value

	// DictOrder preserves the key order as seen on the wire, since
	// dict decode accepts any order but callers sometimes want it
	// (e.g. diagnostics).
	DictOrder []string

	// Raw is only populated for KindDict values; it is the exact
	// byte slice (relative to the buffer passed to Decode) spanning
	// this dictionary.
	Raw []byte
}

// AsInt returns v.Int if v is a KindInt value.
func (v *Value) AsInt() (int64, error) {
	if v == nil || v.Kind != KindInt {
		return 0, newUnexpected(kindOf(v), KindInt)
	}
	return v.Int, nil
}

// AsString returns v.Str if v is a KindString value.
func (v *Value) AsString() ([]byte, error) {
	if v == nil || v.Kind != KindString {
		return nil, newUnexpected(kindOf(v), KindString)
	}
	return v.Str, nil
}

// AsList returns v.List if v is a KindList value.
func (v *Value) AsList() ([]*Value, error) {
	if v == nil || v.Kind != KindList {
		return nil, newUnexpected(kindOf(v), KindList)
	}
	return v.List, nil
}

// AsDict returns v.Dict if v is a KindDict value.
func (v *Value) AsDict() (map[string]*Value, error) {
	if v == nil || v.Kind != KindDict {
		return nil, newUnexpected(kindOf(v), KindDict)
	}
	return v.Dict, nil
}

// DictGet looks up key in a KindDict value, returning nil if absent or
// if v is not a dict.
func (v *Value) DictGet(key string) *Value {
	if v == nil || v.Kind != KindDict {
		return nil
	}
	return v.Dict[key]
}

func kindOf(v *Value) Kind {
	if v == nil {
		return -1
	}
	return v.Kind
}

// String-ifies a Value for error messages; never used on the wire.
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindList:
		return fmt.Sprintf("list[%d]", len(v.List))
	case KindDict:
		return fmt.Sprintf("dict[%d]", len(v.Dict))
	default:
		return "invalid"
	}
}
