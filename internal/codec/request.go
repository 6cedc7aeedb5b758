package codec

import (
	"fmt"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

// Request is one UDF invocation: code plus the envelope to run it on.
type Request struct {
	Language   string
	Source     string
	EntryPoint string
	Data       *udf.Envelope
}

// ErrorResponse is the wire form of a failed invocation.
type ErrorResponse struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ErrorResponse) Error() string {
	if e.Traceback == "" {
		return e.Message
	}
	return e.Message + "\n" + e.Traceback
}

// DecodeRequest parses {"code": {"language", "source", "entry_point"}, "data": envelope}.
func (c *Codec) DecodeRequest(payload []byte, format Format) (*Request, error) {
	tree, err := c.DecodeTree(payload, format)
	if err != nil {
		return nil, err
	}
	return c.RequestFromTree(tree, format)
}

// RequestFromTree builds a Request from an already decoded tree.
func (c *Codec) RequestFromTree(tree map[string]any, format Format) (*Request, error) {
	tree = udf.NormalizeMap(tree)
	code, ok := tree["code"].(map[string]any)
	if !ok {
		return nil, udf.Schemaf("code", "expected an object with language and source")
	}
	req := &Request{}
	var err error
	if req.Language, err = asString("code.language", code["language"], false); err != nil {
		return nil, err
	}
	if req.Source, err = asString("code.source", code["source"], true); err != nil {
		return nil, err
	}
	if req.EntryPoint, err = asString("code.entry_point", code["entry_point"], false); err != nil {
		return nil, err
	}
	data, err := asMap("data", tree["data"])
	if err != nil {
		return nil, err
	}
	if format == FormatJSON {
		if err := c.validateTree(data); err != nil {
			return nil, err
		}
	}
	env, err := c.FromTree(data)
	if err != nil {
		return nil, err
	}
	req.Data = env
	return req, nil
}

// EncodeRequest is the inverse of DecodeRequest.
func (c *Codec) EncodeRequest(req *Request, format Format) ([]byte, error) {
	tree, err := c.RequestTree(req, format)
	if err != nil {
		return nil, err
	}
	return c.EncodeTree(tree, format)
}

// RequestTree renders req as a nested mapping.
func (c *Codec) RequestTree(req *Request, format Format) (map[string]any, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	env := req.Data
	if env == nil {
		env = udf.NewEnvelope()
	}
	data, err := c.ToTree(env, format)
	if err != nil {
		return nil, err
	}
	code := map[string]any{"source": req.Source}
	if req.Language != "" {
		code["language"] = req.Language
	}
	if req.EntryPoint != "" {
		code["entry_point"] = req.EntryPoint
	}
	return map[string]any{"code": code, "data": data}, nil
}

// EncodeError serializes an error response.
func (c *Codec) EncodeError(resp *ErrorResponse, format Format) ([]byte, error) {
	tree := map[string]any{"message": resp.Message}
	if resp.Traceback != "" {
		tree["traceback"] = resp.Traceback
	}
	return c.EncodeTree(tree, format)
}

// DecodeResponse parses a reply that is either an envelope or an error
// response. Error responses are returned as *ErrorResponse.
func (c *Codec) DecodeResponse(payload []byte, format Format) (*udf.Envelope, error) {
	tree, err := c.DecodeTree(payload, format)
	if err != nil {
		return nil, err
	}
	if msg, ok := tree["message"].(string); ok {
		if _, isEnvelope := tree[keyData]; !isEnvelope {
			tb, _ := tree["traceback"].(string)
			return nil, &ErrorResponse{Message: msg, Traceback: tb}
		}
	}
	return c.FromTree(tree)
}
