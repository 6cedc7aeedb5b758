package codec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

// Binary pack framing: magic, version, compression flag, MessagePack body.
var packMagic = []byte("UDFP")

const (
	packVersion    = 1
	packHeaderSize = 6

	flagRaw  byte = 0
	flagZstd byte = 1
)

func (c *Codec) frame(body []byte) ([]byte, error) {
	out := make([]byte, 0, packHeaderSize+len(body))
	out = append(out, packMagic...)
	out = append(out, packVersion)
	if c.opts.Compression != CompressionZstd {
		out = append(out, flagRaw)
		return append(out, body...), nil
	}
	if err := c.ensureZstd(); err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	out = append(out, flagZstd)
	return c.zstdEnc.EncodeAll(body, out), nil
}

func (c *Codec) unframe(payload []byte) ([]byte, error) {
	if len(payload) < packHeaderSize || !bytes.HasPrefix(payload, packMagic) {
		return nil, udf.Schemaf("", "not a binary pack payload")
	}
	if v := payload[len(packMagic)]; v != packVersion {
		return nil, udf.Schemaf("", "unsupported pack version %d", v)
	}
	body := payload[packHeaderSize:]
	switch payload[len(packMagic)+1] {
	case flagRaw:
		return body, nil
	case flagZstd:
		if err := c.ensureZstd(); err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := c.zstdDec.DecodeAll(body, nil)
		if err != nil {
			return nil, udf.Schemaf("", "corrupt zstd body: %v", err)
		}
		return out, nil
	default:
		return nil, udf.Schemaf("", "unknown compression flag %d", payload[len(packMagic)+1])
	}
}

// appendValue writes v as MessagePack with map keys in lexical order so equal
// trees always serialize to identical bytes.
func appendValue(b []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return msgp.AppendNil(b), nil
	case bool:
		return msgp.AppendBool(b, x), nil
	case string:
		return msgp.AppendString(b, x), nil
	case []byte:
		return msgp.AppendBytes(b, x), nil
	case int64:
		return msgp.AppendInt64(b, x), nil
	case int:
		return msgp.AppendInt64(b, int64(x)), nil
	case float64:
		return msgp.AppendFloat64(b, x), nil
	case []any:
		b = msgp.AppendArrayHeader(b, uint32(len(x)))
		for i, e := range x {
			var err error
			if b, err = appendValue(b, e); err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return b, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b = msgp.AppendMapHeader(b, uint32(len(keys)))
		for _, k := range keys {
			b = msgp.AppendString(b, k)
			var err error
			if b, err = appendValue(b, x[k]); err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
		}
		return b, nil
	}
	n := udf.NormalizeValue(v)
	if _, ok := n.(string); ok {
		return nil, fmt.Errorf("cannot pack %T", v)
	}
	return appendValue(b, n)
}

// readValue decodes one MessagePack value and normalizes it.
func readValue(body []byte) (any, error) {
	v, rest, err := msgp.ReadIntfBytes(body)
	if err != nil {
		return nil, udf.Schemaf("", "corrupt pack body: %v", err)
	}
	if len(rest) != 0 {
		return nil, udf.Schemaf("", "%d trailing bytes after pack body", len(rest))
	}
	return udf.NormalizeValue(v), nil
}
