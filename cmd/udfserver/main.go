package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Open-EO/openeo-udf/internal/gateway/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("Failed to initialize UDF gateway: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("udf gateway: received %s, draining for up to %s", sig, a.ShutdownTimeout())
	case err := <-errCh:
		if err != nil {
			log.Printf("udf gateway: server stopped: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		log.Fatalf("udf gateway: forced shutdown, model store may not be closed cleanly: %v", err)
	}

	log.Println("udf gateway: stopped")
}
