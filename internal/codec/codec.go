package codec

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Open-EO/openeo-udf/internal/udf"
	"github.com/Open-EO/openeo-udf/internal/util/jsonutil"
)

// Format selects a wire encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatPack Format = "pack"
)

// ParseFormat accepts "json", "pack" and the content types used at the boundary.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", "application/json":
		return FormatJSON, nil
	case "pack", "msgpack", "application/msgpack", "application/x-msgpack", "application/vnd.openeo-udf.pack":
		return FormatPack, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// ContentType is the media type written for the format.
func (f Format) ContentType() string {
	if f == FormatPack {
		return "application/vnd.openeo-udf.pack"
	}
	return "application/json"
}

// Compression applies to the binary pack body only.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a compression name; empty means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

type Options struct {
	Compression    Compression
	ValidateSchema bool
	// Hash derives content hashes for inline model blobs that arrive without one.
	Hash   udf.HashFunc
	Models udf.ModelResolver
	Files  udf.FileResolver
}

// Codec converts envelopes to and from the wire formats. It is safe for
// concurrent use.
type Codec struct {
	opts Options

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error

	schemaOnce sync.Once
	schema     *envelopeSchema
	schemaErr  error
}

func New(opts Options) (*Codec, error) {
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if _, err := ParseCompression(string(opts.Compression)); err != nil {
		return nil, err
	}
	if opts.Hash == nil {
		opts.Hash = udf.SHA256Hex
	}
	return &Codec{opts: opts}, nil
}

func (c *Codec) ensureZstd() error {
	c.zstdOnce.Do(func() {
		c.zstdEnc, c.zstdErr = zstd.NewWriter(nil)
		if c.zstdErr != nil {
			return
		}
		c.zstdDec, c.zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return c.zstdErr
}

func (c *Codec) ensureSchema() (*envelopeSchema, error) {
	c.schemaOnce.Do(func() {
		c.schema, c.schemaErr = loadEnvelopeSchema()
	})
	return c.schema, c.schemaErr
}

// DetectFormat reports the format of payload by its leading marker.
func DetectFormat(payload []byte) Format {
	if bytes.HasPrefix(payload, packMagic) {
		return FormatPack
	}
	return FormatJSON
}

// ToTree renders env as the nested mapping used by format.
func (c *Codec) ToTree(env *udf.Envelope, format Format) (map[string]any, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	return encoder{binary: format == FormatPack}.envelope(env)
}

// FromTree builds and validates an envelope from a nested mapping.
func (c *Codec) FromTree(tree map[string]any) (*udf.Envelope, error) {
	if tree == nil {
		return nil, udf.Schemaf("", "payload is empty")
	}
	norm := udf.NormalizeMap(tree)
	return decoder{hash: c.opts.Hash, models: c.opts.Models, files: c.opts.Files}.envelope(norm)
}

// Encode serializes env. Equal envelopes always produce identical bytes.
func (c *Codec) Encode(env *udf.Envelope, format Format) ([]byte, error) {
	tree, err := c.ToTree(env, format)
	if err != nil {
		return nil, err
	}
	return c.EncodeTree(tree, format)
}

// Decode parses payload into a validated envelope. No envelope is returned
// when any part of the payload is inconsistent.
func (c *Codec) Decode(payload []byte, format Format) (*udf.Envelope, error) {
	tree, err := c.DecodeTree(payload, format)
	if err != nil {
		return nil, err
	}
	if format == FormatJSON {
		if err := c.validateTree(tree); err != nil {
			return nil, err
		}
	}
	return c.FromTree(tree)
}

// EncodeTree serializes a nested mapping.
func (c *Codec) EncodeTree(tree map[string]any, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return jsonutil.MarshalNoEscape(tree)
	case FormatPack:
		body, err := appendValue(nil, tree)
		if err != nil {
			return nil, err
		}
		return c.frame(body)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// DecodeTree parses a payload into a normalized nested mapping.
func (c *Codec) DecodeTree(payload []byte, format Format) (map[string]any, error) {
	switch format {
	case FormatJSON:
		tree, err := jsonutil.DecodeObject(payload)
		if err != nil {
			return nil, udf.Schemaf("", "invalid JSON: %v", err)
		}
		return udf.NormalizeMap(tree), nil
	case FormatPack:
		body, err := c.unframe(payload)
		if err != nil {
			return nil, err
		}
		v, err := readValue(body)
		if err != nil {
			return nil, err
		}
		tree, ok := v.(map[string]any)
		if !ok {
			return nil, udf.Schemaf("", "pack body is %T, not a map", v)
		}
		return tree, nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// validateTree applies the JSON wire schema when enabled.
// Binary pack payloads carry raw bytes that JSON Schema cannot describe.
func (c *Codec) validateTree(tree map[string]any) error {
	if !c.opts.ValidateSchema {
		return nil
	}
	schema, err := c.ensureSchema()
	if err != nil {
		return fmt.Errorf("load envelope schema: %w", err)
	}
	return schema.validate(tree)
}
