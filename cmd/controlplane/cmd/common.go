package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// serveHealth runs srv until ctx is cancelled, then drains in-flight
// requests for up to 30s before returning, matching the graceful
// shutdown shape azure-dns-proxy/main.go uses around its own
// http.Server.
func serveHealth(ctx context.Context, handler http.Handler, addr string) error {
	server := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
