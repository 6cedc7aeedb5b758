package dispatch

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

const sessionKey = "udf.session"

// syncer is a wrapper holding Starlark-side copies that must be written back
// into the Go model once the entry point returns.
type syncer interface {
	sync() error
}

// session is the per-invocation state shared by the bindings.
type session struct {
	ctx     context.Context
	hash    udf.HashFunc
	models  udf.ModelResolver
	files   udf.FileResolver
	syncers []syncer
}

func (s *session) track(x syncer) {
	s.syncers = append(s.syncers, x)
}

func (s *session) syncAll() error {
	for _, x := range s.syncers {
		if err := x.sync(); err != nil {
			return err
		}
	}
	return nil
}

func sessionOf(thread *starlark.Thread) *session {
	if s, ok := thread.Local(sessionKey).(*session); ok {
		return s
	}
	s := &session{ctx: context.Background()}
	thread.SetLocal(sessionKey, s)
	return s
}

func frozenErr(typ string) error {
	return fmt.Errorf("cannot modify frozen %s", typ)
}

func (s *session) hashOf(blob []byte) string {
	if s.hash == nil {
		return udf.SHA256Hex(blob)
	}
	return s.hash(blob)
}
