package api

import (
	"context"
	"crypto/hmac"
	"errors"
	"io"
	"net/http"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/eleven-am/pondpush/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
)

type contextKey string

const (
	appKey  contextKey = "pondpush:app"
	bodyKey contextKey = "pondpush:body"
)

func appFrom(r *http.Request) *apps.App {
	app, _ := r.Context().Value(appKey).(*apps.App)

	return app
}

func bodyFrom(r *http.Request) []byte {
	body, _ := r.Context().Value(bodyKey).([]byte)

	return body
}

// readBody keeps the raw body of POST requests; the signature covers its
// md5 and handlers decode it afterwards.
func (s *Server) readBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)

			return
		}
		limit := int64(s.opts.MaxBodySizeKB) * 1024
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "The request body is too large.")

				return
			}
			writeError(w, http.StatusBadRequest, "The request body could not be read.")

			return
		}
		if len(body) > 0 && !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "The received data is incorrect")

			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey, body)))
	})
}

func (s *Server) retrieveApp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app, err := s.deps.Apps.FindByID(r.Context(), chi.URLParam(r, "appId"))
		if err != nil {
			if !errors.Is(err, apps.ErrNotFound) {
				s.logger.Warn().Err(err).Str("app_id", chi.URLParam(r, "appId")).Msg("failed to resolve app")
			}
			writeError(w, http.StatusNotFound, "The app does not exist.")

			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), appKey, app)))
	})
}

// authenticate checks auth_signature over the method, path, sorted query
// and body md5.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := appFrom(r)
		query := r.URL.Query()

		if query.Get("auth_key") != app.Key {
			writeError(w, http.StatusUnauthorized, "The request is not signed with the app key.")

			return
		}
		expected := pusher.Sign(app.Secret, pusher.RequestSignable(r.Method, r.URL.Path, query, bodyFrom(r)))

		if !hmac.Equal([]byte(expected), []byte(query.Get("auth_signature"))) {
			writeError(w, http.StatusUnauthorized, "The request signature is invalid.")

			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countCall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.deps.Metrics.HTTPCall(appFrom(r).ID, len(bodyFrom(r)), ww.BytesWritten())
	})
}

func (s *Server) limitReads(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter != nil && !s.allow(w, s.deps.Limiter.ConsumeReadRequestsPoints(1, appFrom(r))) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow copies the limiter headers and answers 429 when the budget ran out.
func (s *Server) allow(w http.ResponseWriter, response ratelimit.ConsumeResponse) bool {
	for k, v := range response.Headers {
		w.Header().Set(k, v)
	}
	if !response.CanContinue {
		writeError(w, http.StatusTooManyRequests, "Too many requests.")

		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}
