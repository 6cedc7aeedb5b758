package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
	"github.com/Open-EO/openeo-udf/internal/udf"
	"github.com/Open-EO/openeo-udf/internal/util/jsonutil"
)

const ServiceName = "openeo.udf.v1.UdfService"

const (
	ExecuteProcedure          = "/" + ServiceName + "/Execute"
	ExecutePackedProcedure    = "/" + ServiceName + "/ExecutePacked"
	PutModelProcedure         = "/" + ServiceName + "/PutModel"
	PutModelWithInfoProcedure = "/" + ServiceName + "/PutModelWithInfo"
	GetModelProcedure         = "/" + ServiceName + "/GetModel"
	ModelInfoProcedure        = "/" + ServiceName + "/ModelInfo"
	ListModelsProcedure       = "/" + ServiceName + "/ListModels"
	DeleteModelProcedure      = "/" + ServiceName + "/DeleteModel"
)

// Mount registers every UdfService procedure on mux.
func (s *Service) Mount(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, s.Execute, opts...))
	mux.Handle(ExecutePackedProcedure, connect.NewUnaryHandler(ExecutePackedProcedure, s.ExecutePacked, opts...))
	mux.Handle(PutModelProcedure, connect.NewUnaryHandler(PutModelProcedure, s.PutModel, opts...))
	mux.Handle(PutModelWithInfoProcedure, connect.NewUnaryHandler(PutModelWithInfoProcedure, s.PutModelWithInfo, opts...))
	mux.Handle(GetModelProcedure, connect.NewUnaryHandler(GetModelProcedure, s.GetModel, opts...))
	mux.Handle(ModelInfoProcedure, connect.NewUnaryHandler(ModelInfoProcedure, s.ModelInfo, opts...))
	mux.Handle(ListModelsProcedure, connect.NewUnaryHandler(ListModelsProcedure, s.ListModels, opts...))
	mux.Handle(DeleteModelProcedure, connect.NewUnaryHandler(DeleteModelProcedure, s.DeleteModel, opts...))
}

func (s *Service) observe(op string, err error) {
	s.metrics.ObserveRequest("connect", op, statusLabel(err))
}

// Execute runs {code, data} given as a JSON-like Struct and returns the
// resulting envelope in the same form.
func (s *Service) Execute(ctx context.Context, req *connect.Request[structpb.Struct]) (resp *connect.Response[structpb.Struct], err error) {
	defer func() { s.observe("Execute", err) }()

	raw, err := protojson.Marshal(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	out, err := s.run(ctx, raw, codec.FormatJSON)
	if err != nil {
		return nil, toConnectError("Execute", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(out, msg); err != nil {
		return nil, toConnectError("Execute", err)
	}
	return connect.NewResponse(msg), nil
}

// ExecutePacked is Execute over the binary pack format.
func (s *Service) ExecutePacked(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (resp *connect.Response[wrapperspb.BytesValue], err error) {
	defer func() { s.observe("ExecutePacked", err) }()

	out, err := s.run(ctx, req.Msg.GetValue(), codec.FormatPack)
	if err != nil {
		return nil, toConnectError("ExecutePacked", err)
	}
	return connect.NewResponse(wrapperspb.Bytes(out)), nil
}

func (s *Service) PutModel(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (resp *connect.Response[wrapperspb.StringValue], err error) {
	defer func() { s.observe("PutModel", err) }()

	blob := req.Msg.GetValue()
	if len(blob) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, udf.Schemaf("", "model blob is empty"))
	}
	hash, err := s.store.Put(ctx, blob)
	if err != nil {
		return nil, toConnectError("PutModel", err)
	}
	return connect.NewResponse(wrapperspb.String(hash)), nil
}

// PutModelWithInfo stores a model with its descriptive sidecar. The blob is
// given either inline as base64 under "blob" or as a "path" under the model
// path root; "title", "description" and "framework" are optional strings.
func (s *Service) PutModelWithInfo(ctx context.Context, req *connect.Request[structpb.Struct]) (resp *connect.Response[wrapperspb.StringValue], err error) {
	defer func() { s.observe("PutModelWithInfo", err) }()

	fields := req.Msg.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }
	blobField, path := str("blob"), strings.TrimSpace(str("path"))

	info := modelstore.Info{
		Title:       str("title"),
		Description: str("description"),
		Framework:   str("framework"),
		Source:      str("source"),
	}
	var blob []byte
	switch {
	case blobField != "" && path != "":
		return nil, connect.NewError(connect.CodeInvalidArgument, udf.Schemaf("", "blob and path are mutually exclusive"))
	case blobField != "":
		blob, err = base64.StdEncoding.DecodeString(blobField)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, udf.Schemaf("blob", "invalid base64: %v", err))
		}
	case path != "":
		if s.files == nil {
			return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("model path root is not configured"))
		}
		blob, err = s.files.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		if info.Source == "" {
			info.Source = path
		}
	}
	if len(blob) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, udf.Schemaf("", "model blob is empty"))
	}
	hash, err := s.store.PutWithInfo(ctx, blob, info)
	if err != nil {
		return nil, toConnectError("PutModelWithInfo", err)
	}
	return connect.NewResponse(wrapperspb.String(hash)), nil
}

func (s *Service) GetModel(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (resp *connect.Response[wrapperspb.BytesValue], err error) {
	defer func() { s.observe("GetModel", err) }()

	blob, err := s.store.Get(ctx, strings.TrimSpace(req.Msg.GetValue()))
	if err != nil {
		return nil, toConnectError("GetModel", err)
	}
	return connect.NewResponse(wrapperspb.Bytes(blob)), nil
}

// ModelInfo returns the sidecar of a stored model, using the same field names
// as the JSON record kept next to the blob.
func (s *Service) ModelInfo(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (resp *connect.Response[structpb.Struct], err error) {
	defer func() { s.observe("ModelInfo", err) }()

	info, err := s.store.Info(ctx, strings.TrimSpace(req.Msg.GetValue()))
	if err != nil {
		return nil, toConnectError("ModelInfo", err)
	}
	raw, err := jsonutil.MarshalNoEscape(info)
	if err != nil {
		return nil, toConnectError("ModelInfo", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, toConnectError("ModelInfo", err)
	}
	return connect.NewResponse(msg), nil
}

func (s *Service) ListModels(ctx context.Context, _ *connect.Request[emptypb.Empty]) (resp *connect.Response[structpb.ListValue], err error) {
	defer func() { s.observe("ListModels", err) }()

	hashes, err := s.store.List(ctx)
	if err != nil {
		return nil, toConnectError("ListModels", err)
	}
	values := make([]*structpb.Value, 0, len(hashes))
	for _, h := range hashes {
		values = append(values, structpb.NewStringValue(h))
	}
	return connect.NewResponse(&structpb.ListValue{Values: values}), nil
}

// DeleteModel reports whether a model was removed; unknown hashes give false.
func (s *Service) DeleteModel(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (resp *connect.Response[wrapperspb.BoolValue], err error) {
	defer func() { s.observe("DeleteModel", err) }()

	deleted, err := s.store.Delete(ctx, strings.TrimSpace(req.Msg.GetValue()))
	if err != nil {
		return nil, toConnectError("DeleteModel", err)
	}
	return connect.NewResponse(wrapperspb.Bool(deleted)), nil
}
