package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andrebq/gatekeeper/internal/logutil"
)

// Serve runs handler on bind until ctx is cancelled, then drains
// in-flight requests before returning. Timeouts are sized for a JSON
// API that exchanges small bodies.
func Serve(ctx context.Context, bind string, handler http.Handler) error {
	server := http.Server{
		Handler:           handler,
		Addr:              bind,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		ReadHeaderTimeout: time.Second * 30,
		IdleTimeout:       time.Minute * 5,
	}
	log := logutil.GetOrDefault(ctx).With().Str("server.addr", server.Addr).Logger()
	firstErr := make(chan error, 1)
	// detached from ctx on purpose: it only fires when the listener
	// itself exits, never on caller cancellation
	serverCtx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		defer close(firstErr)
		log.Info().Msg("Starting HTTP server")
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			// shutdown called, not an error
			log.Info().Msg("Server closed")
			return
		} else if err != nil {
			firstErr <- err
		}
	}()
	select {
	case <-serverCtx.Done():
	case <-ctx.Done():
		log.Info().Msg("Initiating shutdown process")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Minute)
		defer cancelShutdown()
		server.Shutdown(shutdownCtx)
		log.Info().Msg("Shutdown completed")
	}
	return <-firstErr
}
