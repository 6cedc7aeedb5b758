package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Open-EO/openeo-udf/internal/gateway/config"
	"github.com/Open-EO/openeo-udf/internal/gateway/handler"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Port: ":0",
		ModelStore: modelstore.Config{
			Backend: modelstore.BackendFS,
			Root:    filepath.Join(dir, "store"),
		},
		ModelPathRoot: filepath.Join(dir, "files"),
		Exec:          config.ExecConfig{DefaultLanguage: "starlark"},
		Codec:         config.CodecConfig{PackCompression: "zstd", ValidateSchema: true},
	}
}

func TestNewWithConfigServes(t *testing.T) {
	a, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	put := connect.NewClient[wrapperspb.BytesValue, wrapperspb.StringValue](srv.Client(), srv.URL+handler.PutModelProcedure)
	_, err = put.CallUnary(context.Background(), connect.NewRequest(wrapperspb.Bytes([]byte("m"))))
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `udf_gateway_requests_total{code="ok",op="PutModel",transport="connect"} 1`)
	assert.Contains(t, string(body), "udf_model_store_ops_total")
}

func TestNewWithConfigRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Codec.PackCompression = "lz4"
	_, err := NewWithConfig(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.ModelStore.Backend = "tape"
	_, err = NewWithConfig(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Exec.DefaultLanguage = "cobol"
	_, err = NewWithConfig(cfg)
	assert.Error(t, err)
}

func TestShutdownTimeoutFollowsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShutdownTimeout = 30 * time.Second
	a, err := NewWithConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.ShutdownTimeout())
	require.NoError(t, a.Shutdown(context.Background()))

	b, err := NewWithConfig(testConfig(t))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, b.ShutdownTimeout(), "unset falls back to five seconds")
	require.NoError(t, b.Shutdown(context.Background()))
}
