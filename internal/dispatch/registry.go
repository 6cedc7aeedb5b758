package dispatch

import (
	"sort"
)

// conventionalEntryPoints are tried in order when no name is given.
var conventionalEntryPoints = []string{"apply_udf_data", "udf", "transform"}

// entryRegistry maps the names of every function that can take the envelope
// as its only required argument.
type entryRegistry[F any] struct {
	fns map[string]F
}

func newEntryRegistry[F any]() *entryRegistry[F] {
	return &entryRegistry[F]{fns: make(map[string]F)}
}

func (r *entryRegistry[F]) add(name string, fn F) {
	r.fns[name] = fn
}

// Names lists the registered functions in lexical order.
func (r *entryRegistry[F]) Names() []string {
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolve picks the entry function. An explicit name must be registered.
// Without one, the first conventional name wins, then a sole candidate.
// Anything else fails closed.
func (r *entryRegistry[F]) resolve(name string) (string, F, error) {
	var zero F
	if name != "" {
		if fn, ok := r.fns[name]; ok {
			return name, fn, nil
		}
		return "", zero, &EntryPointNotFoundError{Name: name, Candidates: r.Names()}
	}
	for _, n := range conventionalEntryPoints {
		if fn, ok := r.fns[n]; ok {
			return n, fn, nil
		}
	}
	if len(r.fns) == 1 {
		for n, fn := range r.fns {
			return n, fn, nil
		}
	}
	return "", zero, &EntryPointNotFoundError{Candidates: r.Names()}
}
