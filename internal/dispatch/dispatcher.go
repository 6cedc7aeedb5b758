// Package dispatch loads caller-supplied code, resolves its entry function and
// runs it against an envelope. Starlark is the primary language; CEL serves
// single-expression transforms.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.starlark.net/starlark"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/metrics"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

const (
	LanguageStarlark = "starlark"
	LanguageCEL      = "cel"
)

const defaultProgramCacheSize = 256

// ParseLanguage maps a language name to its runtime. python is accepted for
// the Python-dialect Starlark runtime.
func ParseLanguage(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starlark", "star", "python", "py":
		return LanguageStarlark, nil
	case "cel":
		return LanguageCEL, nil
	}
	return "", fmt.Errorf("unsupported language %q", s)
}

type Options struct {
	DefaultLanguage string
	// MaxSteps bounds Starlark execution steps and CEL evaluation cost. 0 is unlimited.
	MaxSteps         uint64
	ProgramCacheSize int
	ProgramCacheTTL  time.Duration
	// Hash addresses inline model blobs created by user code. nil is sha256.
	Hash    udf.HashFunc
	Models  udf.ModelResolver
	Files   udf.FileResolver
	Metrics *metrics.Metrics
	Print   func(msg string)
}

// Code is the caller-supplied source with its optional entry point name.
type Code struct {
	Language   string
	Source     string
	EntryPoint string
}

// Dispatcher runs user code. It is safe for concurrent use; invocations
// share only the compiled-program cache.
type Dispatcher struct {
	opts     Options
	starlark *starlarkRuntime
	cel      *celRuntime
}

func New(opts Options) (*Dispatcher, error) {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = LanguageStarlark
	}
	lang, err := ParseLanguage(opts.DefaultLanguage)
	if err != nil {
		return nil, err
	}
	opts.DefaultLanguage = lang
	if opts.ProgramCacheSize <= 0 {
		opts.ProgramCacheSize = defaultProgramCacheSize
	}
	if opts.Print == nil {
		opts.Print = func(msg string) { log.Printf("udf: %s", msg) }
	}
	if opts.Hash == nil {
		opts.Hash = udf.SHA256Hex
	}
	c, err := codec.New(codec.Options{Hash: opts.Hash, Models: opts.Models, Files: opts.Files})
	if err != nil {
		return nil, err
	}
	celRT, err := newCELRuntime(
		expirable.NewLRU[string, cel.Program](opts.ProgramCacheSize, nil, opts.ProgramCacheTTL),
		c, opts.MaxSteps)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		opts: opts,
		starlark: &starlarkRuntime{
			programs: expirable.NewLRU[string, *starlark.Program](opts.ProgramCacheSize, nil, opts.ProgramCacheTTL),
			maxSteps: opts.MaxSteps,
			print:    opts.Print,
		},
		cel: celRT,
	}, nil
}

func sourceKey(lang, src string) string {
	sum := sha256.Sum256([]byte(src))
	return lang + ":" + hex.EncodeToString(sum[:])
}

// Run executes code against env. The code sees a private copy; on success
// the result replaces the contents of env and env is returned. On failure
// env is left exactly as passed in.
func (d *Dispatcher) Run(ctx context.Context, code Code, env *udf.Envelope) (out *udf.Envelope, err error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	lang := d.opts.DefaultLanguage
	if code.Language != "" {
		if lang, err = ParseLanguage(code.Language); err != nil {
			return nil, &CodeLoadError{Language: code.Language, Err: err}
		}
	}
	start := time.Now()
	defer func() {
		d.opts.Metrics.ObserveExecution(lang, outcome(err), time.Since(start))
	}()

	work := env.Clone()
	if d.opts.Models != nil || d.opts.Files != nil {
		work.BindModels(d.opts.Models, d.opts.Files)
	}
	result, err := d.invoke(ctx, lang, code, work)
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, userError(fmt.Errorf("invalid result: %w", err), "")
	}
	env.Replace(result)
	return env, nil
}

// invoke recovers panics raised inside bindings.
func (d *Dispatcher) invoke(ctx context.Context, lang string, code Code, env *udf.Envelope) (out *udf.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &UserCodeError{
				Message:   fmt.Sprintf("panic: %v", r),
				Traceback: string(debug.Stack()),
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()
	switch lang {
	case LanguageCEL:
		return d.cel.run(ctx, code, env)
	default:
		s := &session{ctx: ctx, hash: d.opts.Hash, models: d.opts.Models, files: d.opts.Files}
		return d.starlark.run(ctx, code, env, s)
	}
}

func outcome(err error) string {
	var (
		loadErr  *CodeLoadError
		entryErr *EntryPointNotFoundError
		userErr  *UserCodeError
	)
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &loadErr):
		return "code_load_error"
	case errors.As(err, &entryErr):
		return "entry_point_not_found"
	case errors.As(err, &userErr):
		return "user_code_error"
	}
	return metrics.OutcomeError
}
