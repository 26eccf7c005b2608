package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/routeshot/internal/artifact"
	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/controller"
	"github.com/dgnsrekt/routeshot/internal/coordinator"
	"github.com/dgnsrekt/routeshot/internal/events"
	"github.com/dgnsrekt/routeshot/internal/fixture"
	"github.com/dgnsrekt/routeshot/internal/mount"
	"github.com/dgnsrekt/routeshot/internal/routes"
	"github.com/dgnsrekt/routeshot/internal/session"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

type Service interface {
	DiscoverRoutes(ctx context.Context) ([]routes.Descriptor, error)
	Capture(ctx context.Context, req controller.CaptureRequest) (artifact.RunManifest, error)
	ListRuns(ctx context.Context) ([]artifact.RunManifest, error)
	GetRun(ctx context.Context, runID string) (artifact.RunManifest, error)
	Image(ctx context.Context, runID string, key capture.Key, thumb bool) ([]byte, error)
	CreateSession(ctx context.Context, scope, runID string) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context) ([]session.Session, error)
	ActiveSession(ctx context.Context, scope string) (session.Session, error)
	SubmitAnnotations(ctx context.Context, id string, anns []session.Annotation) (session.Session, error)
	UpdateStatus(ctx context.Context, id, annotationID string, status session.Status) (session.Session, error)
	ReopenAnnotation(ctx context.Context, id, annotationID, content string) (session.Session, error)
	Publish(ctx context.Context, id string) (session.Session, error)
	Resolve(ctx context.Context, id string) (session.Session, error)
	Bundle(ctx context.Context, id string) (session.Bundle, error)
	AnnotateMount(ctx context.Context, id string) (mount.Config, error)
	ResolveMount(ctx context.Context, id string) (mount.Config, error)
}

type sessionIDInput struct {
	SessionID string `path:"session_id"`
}

type sessionOutput struct {
	Body session.Session
}

// NewServer builds the HTTP handler. broker may be nil, in which case the
// event feed is not mounted.
func NewServer(svc Service, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Routeshot API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", events.WebSocketHandler(broker))
	}

	registerRouteHandlers(api, svc)
	registerCaptureHandlers(api, svc)
	registerSessionHandlers(api, svc)
	registerMountHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *controller.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case controller.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case controller.CodeRunNotFound:
			return huma.Error404NotFound(coded.Message)
		case controller.CodeCaptureBusy:
			return huma.Error409Conflict(coded.Message)
		case controller.CodeCaptureFailed:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}

	var (
		dup        *routes.DuplicateRouteError
		catchAll   *routes.CatchAllPlacementError
		dupParam   *routes.DuplicateParamError
		malformed  *routes.MalformedSegmentError
		convention *routes.UnknownConventionError
		fixtureErr *fixture.NonSerializableFixtureError
		viewport   *capture.ViewportError
		invalid    *session.InvalidAnnotationError
		transition *session.IllegalTransitionError
		stateErr   *session.StateError
		missing    *session.AnnotationNotFoundError
		publishErr *coordinator.PublishError
	)
	var outstanding *session.OutstandingError
	switch {
	case errors.As(err, &outstanding):
		return huma.Error409Conflict(fmt.Sprintf("%d annotation(s) not resolved", outstanding.Count), err)
	case errors.As(err, &dup), errors.As(err, &catchAll), errors.As(err, &dupParam),
		errors.As(err, &malformed), errors.As(err, &convention):
		return huma.Error422UnprocessableEntity("route manifest: "+err.Error(), err)
	case errors.As(err, &fixtureErr), errors.As(err, &viewport), errors.As(err, &invalid):
		return huma.Error400BadRequest(err.Error(), err)
	case errors.As(err, &transition), errors.As(err, &stateErr):
		return huma.Error409Conflict(err.Error(), err)
	case errors.As(err, &missing):
		return huma.Error404NotFound(err.Error(), err)
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrImageNotFound), errors.Is(err, storage.ErrNotFound):
		return huma.Error404NotFound(err.Error(), err)
	case errors.Is(err, session.ErrActiveSession), errors.Is(err, session.ErrVersionConflict):
		return huma.Error409Conflict(err.Error(), err)
	case errors.Is(err, session.ErrEmptyBatch), errors.Is(err, coordinator.ErrNothingToPublish):
		return huma.Error400BadRequest(err.Error(), err)
	case errors.As(err, &publishErr):
		if publishErr.Retryable() {
			return huma.Error503ServiceUnavailable(err.Error(), err)
		}
		return huma.Error500InternalServerError(err.Error(), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error(), err)
	}
	return huma.Error500InternalServerError(err.Error())
}
