package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// service is one long-running component of the scheduler node.
type service struct {
	name string
	run  func(ctx context.Context) error
}

// runServices starts every service and blocks until the context is cancelled
// or a service fails. On cancellation it waits up to shutdownTimeout for the
// services to drain before giving up on them.
func runServices(ctx context.Context, shutdownTimeout time.Duration, services []service) error {
	failures := make(chan error, len(services))
	var wg sync.WaitGroup

	for _, svc := range services {
		wg.Add(1)
		go func(svc service) {
			defer wg.Done()
			slog.InfoContext(ctx, "service started", "service", svc.name)
			if err := svc.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				failures <- fmt.Errorf("service %s: %w", svc.name, err)
				return
			}
			slog.InfoContext(ctx, "service stopped", "service", svc.name)
		}(svc)
	}

	select {
	case err := <-failures:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, draining services", "timeout", shutdownTimeout)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all services stopped")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout exceeded, abandoning remaining services")
	}
	return nil
}
