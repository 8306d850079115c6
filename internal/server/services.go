package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// httpService runs an http.Server under the supervisor and shuts it down
// gracefully once its context ends.
type httpService struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh

		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return h.name
}

// loopService supervises a blocking Serve(ctx) loop such as the peer node's
// discovery or the webhook workers.
type loopService struct {
	name  string
	serve func(ctx context.Context) error
}

func (l *loopService) Serve(ctx context.Context) error {
	return l.serve(ctx)
}

func (l *loopService) String() string {
	return l.name
}

// eventHook logs supervisor events through zerolog.
func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			logger.Error().Fields(e.Map()).Msg(e.String())
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			logger.Warn().Fields(e.Map()).Msg(e.String())
		default:
			logger.Info().Fields(e.Map()).Msg(e.String())
		}
	}
}
