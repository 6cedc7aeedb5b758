// Command udfrun executes a UDF file against an envelope file without a
// server, using the same codec, dispatcher and model store configuration as
// the gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/dispatch"
	"github.com/Open-EO/openeo-udf/internal/gateway/config"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
	"github.com/Open-EO/openeo-udf/internal/safeio"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		var userErr *dispatch.UserCodeError
		if errors.As(err, &userErr) && userErr.Traceback != "" {
			fmt.Fprintln(os.Stderr, userErr.Traceback)
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("udfrun", flag.ContinueOnError)
	codePath := fs.String("code", "", "path to the UDF source file")
	dataPath := fs.String("data", "", "path to the input envelope (JSON or pack)")
	lang := fs.String("lang", "", "code language: starlark or cel (default from config)")
	entry := fs.String("entry", "", "entry point name")
	format := fs.String("format", "json", "output format: json or pack")
	outPath := fs.String("out", "", "output file (default stdout)")
	useStore := fs.Bool("store", false, "resolve model hashes against the configured model store")
	timeout := fs.Duration("timeout", 0, "execution timeout (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *codePath == "" || *dataPath == "" {
		return fmt.Errorf("-code and -data are required")
	}
	outFormat, err := codec.ParseFormat(*format)
	if err != nil {
		return err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *timeout > 0 {
		cfg.Exec.Timeout = *timeout
	}

	src, err := os.ReadFile(*codePath)
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}
	payload, err := os.ReadFile(*dataPath)
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}

	store, err := openStore(cfg, *useStore)
	if err != nil {
		return err
	}
	defer store.Close()

	var files udf.FileResolver
	if cfg.ModelPathRoot != "" {
		fsys, err := safeio.NewSafeFS(cfg.ModelPathRoot, cfg.ModelMaxBytes)
		if err != nil {
			return fmt.Errorf("failed to open model path root: %w", err)
		}
		files = fsys
	}

	compression, err := codec.ParseCompression(cfg.Codec.PackCompression)
	if err != nil {
		return err
	}
	c, err := codec.New(codec.Options{
		Compression:    compression,
		ValidateSchema: cfg.Codec.ValidateSchema,
		Hash:           store.HashFunc(),
		Models:         store,
		Files:          files,
	})
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}
	d, err := dispatch.New(dispatch.Options{
		DefaultLanguage:  cfg.Exec.DefaultLanguage,
		MaxSteps:         cfg.Exec.MaxSteps,
		Hash:             store.HashFunc(),
		ProgramCacheSize: 1,
		Models:           store,
		Files:            files,
		Print: func(msg string) {
			log.Printf("udf: %s", msg)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	env, err := c.Decode(payload, codec.DetectFormat(payload))
	if err != nil {
		return fmt.Errorf("decode %s: %w", *dataPath, err)
	}

	if cfg.Exec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Exec.Timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := d.Run(ctx, dispatch.Code{Language: *lang, Source: string(src), EntryPoint: *entry}, env)
	if err != nil {
		return err
	}
	log.Printf("udfrun: executed %s in %s", *codePath, time.Since(start).Round(time.Millisecond))

	out, err := c.Encode(result, outFormat)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if *outPath == "" {
		_, err = stdout.Write(out)
		return err
	}
	return os.WriteFile(*outPath, out, 0o644)
}

// openStore uses the configured backend when asked to, otherwise a private
// in-memory store so inline model blobs still resolve.
func openStore(cfg *config.Config, configured bool) (*modelstore.Store, error) {
	if configured {
		store, err := modelstore.Open(cfg.ModelStore, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open model store: %w", err)
		}
		return store, nil
	}
	return modelstore.New(modelstore.NewMemoryBackend(), modelstore.Options{Hash: cfg.ModelStore.Hash})
}
