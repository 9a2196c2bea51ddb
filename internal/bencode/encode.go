package bencode

import (
	"bytes"
	"fmt"
	"sort"
)

// Encode serializes v in canonical form: dictionary keys are always
// emitted in sorted order, regardless of DictOrder, so that Decode(Encode(v))
// is byte-stable even when v was built programmatically.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v *Value) {
	if v == nil {
		return
	}

	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)

	case KindString:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.Write(v.Str)

	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')

	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encodeInto(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// Helper constructors, used by callers building values to encode (the
// extension protocol's handshake dict and metadata-request messages).

func Int(n int64) *Value            { return &Value{Kind: KindInt, Int: n} }
func Str(s []byte) *Value           { return &Value{Kind: KindString, Str: s} }
func StrOf(s string) *Value         { return Str([]byte(s)) }
func List(items ...*Value) *Value   { return &Value{Kind: KindList, List: items} }
func Dict(m map[string]*Value) *Value {
	return &Value{Kind: KindDict, Dict: m}
}
