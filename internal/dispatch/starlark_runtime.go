package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

// Python-like dialect: while loops, sets, top-level control flow, recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type starlarkRuntime struct {
	programs *expirable.LRU[string, *starlark.Program]
	maxSteps uint64
	print    func(string)
}

func (r *starlarkRuntime) compile(src string) (*starlark.Program, error) {
	key := sourceKey(LanguageStarlark, src)
	if prog, ok := r.programs.Get(key); ok {
		return prog, nil
	}
	_, prog, err := starlark.SourceProgramOptions(fileOptions, "udf.star", src, predeclared.Has)
	if err != nil {
		return nil, err
	}
	r.programs.Add(key, prog)
	return prog, nil
}

// acceptsEnvelope reports whether fn can be called as fn(data): exactly one
// required parameter and no *args.
func acceptsEnvelope(fn *starlark.Function) bool {
	if fn.HasVarargs() {
		return false
	}
	n := fn.NumParams()
	if fn.HasKwargs() {
		n--
	}
	if n < 1 || fn.ParamDefault(0) != nil {
		return false
	}
	for i := 1; i < n; i++ {
		if fn.ParamDefault(i) == nil {
			return false
		}
	}
	return true
}

func (r *starlarkRuntime) run(ctx context.Context, code Code, env *udf.Envelope, s *session) (*udf.Envelope, error) {
	prog, err := r.compile(code.Source)
	if err != nil {
		return nil, &CodeLoadError{Language: LanguageStarlark, Err: err}
	}

	thread := &starlark.Thread{
		Name: "udf",
		Print: func(_ *starlark.Thread, msg string) {
			r.print(msg)
		},
	}
	thread.SetLocal(sessionKey, s)
	if r.maxSteps > 0 {
		thread.SetMaxExecutionSteps(r.maxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, evalFailure(ctx, err)
		}
		return nil, &CodeLoadError{Language: LanguageStarlark, Err: err}
	}
	globals.Freeze()

	entries := newEntryRegistry[*starlark.Function]()
	for name, v := range globals {
		fn, ok := v.(*starlark.Function)
		if !ok || strings.HasPrefix(name, "_") || !acceptsEnvelope(fn) {
			continue
		}
		entries.add(name, fn)
	}
	_, fn, err := entries.resolve(code.EntryPoint)
	if err != nil {
		return nil, err
	}

	in := newEnvelopeValue(env, s)
	ret, err := starlark.Call(thread, fn, starlark.Tuple{in}, nil)
	if err != nil {
		return nil, evalFailure(ctx, err)
	}
	if err := s.syncAll(); err != nil {
		return nil, userError(err, "")
	}
	switch x := ret.(type) {
	case starlark.NoneType:
		return env, nil
	case *envelopeValue:
		return x.env, nil
	}
	return nil, userError(fmt.Errorf("%s returned %s, want envelope or None", fn.Name(), ret.Type()), "")
}

// evalFailure keeps the interpreter message and backtrace. A cancelled
// context takes over as the wrapped cause.
func evalFailure(ctx context.Context, err error) *UserCodeError {
	ue := userError(err, "")
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		ue.Message = ee.Msg
		ue.Traceback = ee.Backtrace()
	}
	if ctx.Err() != nil {
		ue.Err = ctx.Err()
	}
	return ue
}
