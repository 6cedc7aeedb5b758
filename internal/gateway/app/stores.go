package app

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Open-EO/openeo-udf/internal/gateway/config"
	"github.com/Open-EO/openeo-udf/internal/metrics"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
	"github.com/Open-EO/openeo-udf/internal/safeio"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

func initModelStore(cfg *config.Config, m *metrics.Metrics) (*modelstore.Store, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.ModelStore.Backend), modelstore.BackendFS) {
		if root := strings.TrimSpace(cfg.ModelStore.Root); root != "" {
			if err := os.MkdirAll(root, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create model store root: %w", err)
			}
		}
	}
	store, err := modelstore.Open(cfg.ModelStore, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open model store: %w", err)
	}
	return store, nil
}

// initModelFiles returns the resolver for model handles that name a local
// path, or nil when path references are disabled.
func initModelFiles(cfg *config.Config) (udf.FileResolver, error) {
	root := strings.TrimSpace(cfg.ModelPathRoot)
	if root == "" {
		log.Printf("model files: disabled")
		return nil, nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model path root: %w", err)
	}
	fsys, err := safeio.NewSafeFS(root, cfg.ModelMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open model path root: %w", err)
	}
	log.Printf("model files: root=%s", fsys.Root())
	return fsys, nil
}
