// Package handler exposes the dispatcher and the model store at the network
// boundary: a Connect RPC service built on protobuf well-known types and a
// WebSocket execution stream.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/dispatch"
	"github.com/Open-EO/openeo-udf/internal/metrics"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

type Deps struct {
	Codec      *codec.Codec
	Dispatcher *dispatch.Dispatcher
	Store      *modelstore.Store
	Metrics    *metrics.Metrics
	// Files reads model paths for PutModelWithInfo. Nil rejects path uploads.
	Files udf.FileResolver
	// ExecTimeout bounds each execution. 0 means no deadline.
	ExecTimeout time.Duration
	// MaxMessageBytes caps WebSocket request frames. 0 means 64 MiB.
	MaxMessageBytes int64
}

// Service implements the UdfService procedures and the WebSocket stream.
type Service struct {
	codec      *codec.Codec
	dispatcher *dispatch.Dispatcher
	store      *modelstore.Store
	metrics    *metrics.Metrics
	files      udf.FileResolver
	timeout    time.Duration
	maxMessage int64
}

func New(deps Deps) (*Service, error) {
	if deps.Codec == nil || deps.Dispatcher == nil || deps.Store == nil {
		return nil, fmt.Errorf("handler: codec, dispatcher and store are required")
	}
	maxMessage := deps.MaxMessageBytes
	if maxMessage <= 0 {
		maxMessage = 64 << 20
	}
	return &Service{
		codec:      deps.Codec,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		metrics:    deps.Metrics,
		files:      deps.Files,
		timeout:    deps.ExecTimeout,
		maxMessage: maxMessage,
	}, nil
}

// run decodes one request payload, executes it and encodes the resulting
// envelope in the same format.
func (s *Service) run(ctx context.Context, payload []byte, format codec.Format) ([]byte, error) {
	req, err := s.codec.DecodeRequest(payload, format)
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	env, err := s.dispatcher.Run(ctx, dispatch.Code{
		Language:   req.Language,
		Source:     req.Source,
		EntryPoint: req.EntryPoint,
	}, req.Data)
	if err != nil {
		return nil, err
	}
	return s.codec.Encode(env, format)
}
