package handler

import (
	"context"
	"errors"
	"log"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/dispatch"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

// errorCode classifies err. A deadline wins over the user-code wrapper it
// arrives in; a missing model inside user code stays a user-code failure.
func errorCode(err error) connect.Code {
	var (
		connectErr *connect.Error
		loadErr    *dispatch.CodeLoadError
		entryErr   *dispatch.EntryPointNotFoundError
		userErr    *dispatch.UserCodeError
	)
	switch {
	case errors.As(err, &connectErr):
		return connectErr.Code()
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.As(err, &userErr):
		return connect.CodeAborted
	case errors.As(err, &entryErr):
		return connect.CodeNotFound
	case errors.As(err, &loadErr):
		return connect.CodeInvalidArgument
	case errors.Is(err, udf.ErrNotFound):
		return connect.CodeNotFound
	case udf.IsSchemaError(err), errors.Is(err, modelstore.ErrInvalidHash):
		return connect.CodeInvalidArgument
	}
	return connect.CodeInternal
}

func toConnectError(op string, err error) *connect.Error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	code := errorCode(err)
	ce = connect.NewError(code, err)
	var userErr *dispatch.UserCodeError
	if errors.As(err, &userErr) {
		detail, derr := structpb.NewStruct(map[string]any{
			"message":   userErr.Message,
			"traceback": userErr.Traceback,
		})
		if derr == nil {
			if d, derr := connect.NewErrorDetail(detail); derr == nil {
				ce.AddDetail(d)
			}
		}
	}
	if code == connect.CodeInternal {
		log.Printf("gateway: %s failed: %v", op, err)
	}
	return ce
}

// errorResponse is the wire body sent back over the WebSocket stream.
func errorResponse(err error) *codec.ErrorResponse {
	var userErr *dispatch.UserCodeError
	if errors.As(err, &userErr) {
		return &codec.ErrorResponse{Message: userErr.Message, Traceback: userErr.Traceback}
	}
	return &codec.ErrorResponse{Message: err.Error()}
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return errorCode(err).String()
}
