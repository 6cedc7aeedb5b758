package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

// celRuntime evaluates an expression over the envelope tree bound to
// `data`. The result must be a mapping that decodes into an envelope.
type celRuntime struct {
	env       *cel.Env
	programs  *expirable.LRU[string, cel.Program]
	codec     *codec.Codec
	costLimit uint64
}

func newCELRuntime(programs *expirable.LRU[string, cel.Program], c *codec.Codec, costLimit uint64) (*celRuntime, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	return &celRuntime{env: env, programs: programs, codec: c, costLimit: costLimit}, nil
}

func (r *celRuntime) compile(src string) (cel.Program, error) {
	key := sourceKey(LanguageCEL, src)
	if p, ok := r.programs.Get(key); ok {
		return p, nil
	}
	ast, issues := r.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(100)}
	if r.costLimit > 0 {
		opts = append(opts, cel.CostLimit(r.costLimit))
	}
	p, err := r.env.Program(ast, opts...)
	if err != nil {
		return nil, err
	}
	r.programs.Add(key, p)
	return p, nil
}

func (r *celRuntime) run(ctx context.Context, code Code, env *udf.Envelope) (*udf.Envelope, error) {
	if code.EntryPoint != "" {
		return nil, &EntryPointNotFoundError{Name: code.EntryPoint}
	}
	prog, err := r.compile(code.Source)
	if err != nil {
		return nil, &CodeLoadError{Language: LanguageCEL, Err: err}
	}
	tree, err := r.codec.ToTree(env, codec.FormatJSON)
	if err != nil {
		return nil, err
	}
	out, _, err := prog.ContextEval(ctx, map[string]any{"data": tree})
	if err != nil {
		ue := userError(err, "")
		if ctx.Err() != nil {
			ue.Err = ctx.Err()
		}
		return nil, ue
	}
	native, err := celToNative(out)
	if err != nil {
		return nil, userError(err, "")
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, userError(fmt.Errorf("expression returned %T, want a map", native), "")
	}
	// Contexts pass through unless the expression rewrites them.
	for _, k := range []string{"server_context", "user_context"} {
		if _, set := m[k]; !set {
			m[k] = tree[k]
		}
	}
	result, err := r.codec.FromTree(m)
	if err != nil {
		return nil, userError(fmt.Errorf("result is not an envelope: %w", err), "")
	}
	return result, nil
}

// celToNative converts a CEL value into the free-form Go model.
func celToNative(v ref.Val) (any, error) {
	switch x := v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(x), nil
	case types.Int:
		return int64(x), nil
	case types.Uint:
		return uint64(x), nil
	case types.Double:
		return float64(x), nil
	case types.String:
		return string(x), nil
	case types.Bytes:
		return []byte(x), nil
	case types.Timestamp:
		return x.Time.UTC().Format(time.RFC3339Nano), nil
	case types.Duration:
		return x.Duration.String(), nil
	case *types.Err:
		return nil, x
	}
	if m, ok := v.(traits.Mapper); ok {
		out := map[string]any{}
		it := m.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			ks, ok := k.(types.String)
			if !ok {
				return nil, fmt.Errorf("map key %v is %s, want string", k, k.Type())
			}
			ev, err := celToNative(m.Get(k))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", string(ks), err)
			}
			out[string(ks)] = ev
		}
		return out, nil
	}
	if l, ok := v.(traits.Lister); ok {
		n, _ := l.Size().(types.Int)
		out := make([]any, int(n))
		for i := range out {
			ev, err := celToNative(l.Get(types.Int(i)))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	}
	return udf.NormalizeValue(v.Value()), nil
}
