package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/routeshot/internal/session"
)

// annotationBody is the wire form of a submitted annotation. Server-owned
// fields (status, missing id and timestamp) are filled by the store.
type annotationBody struct {
	ID        string           `json:"id,omitempty" doc:"Client-generated id. Resubmitting the same id with the same content is a no-op."`
	Timestamp time.Time        `json:"timestamp,omitempty"`
	Route     string           `json:"route" doc:"Canonical route path of the screenshot"`
	Viewport  string           `json:"viewport" doc:"Viewport name of the screenshot"`
	Position  session.Position `json:"position" doc:"Point as a fraction of image width and height, origin top-left"`
	Content   string           `json:"content"`
	Priority  session.Priority `json:"priority,omitempty" enum:"low,medium,high" default:"medium"`
}

func (b annotationBody) annotation() session.Annotation {
	return session.Annotation{
		ID:        b.ID,
		Timestamp: b.Timestamp,
		Route:     b.Route,
		Viewport:  b.Viewport,
		Position:  b.Position,
		Content:   b.Content,
		Priority:  b.Priority,
	}
}

func registerSessionHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "create-session", Method: http.MethodPost, Path: "/api/v1/sessions", Summary: "Open an annotation session over a capture run", Description: "Fails with 409 while the scope already has an unresolved session.", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Scope string `json:"scope,omitempty" doc:"Project scope. Defaults to the project file scope."`
				RunID string `json:"run_id,omitempty" doc:"Capture run. Defaults to the newest run."`
			}
		}) (*sessionOutput, error) {
			sess, err := svc.CreateSession(ctx, input.Body.Scope, input.Body.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	type listSessionsOutput struct {
		Body struct {
			Sessions []session.Session `json:"sessions"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List sessions", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct{}) (*listSessionsOutput, error) {
			list, err := svc.ListSessions(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listSessionsOutput{}
			out.Body.Sessions = list
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-active-session", Method: http.MethodGet, Path: "/api/v1/sessions/active", Summary: "Get the unresolved session of a scope", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			Scope string `query:"scope" doc:"Project scope. Defaults to the project file scope."`
		}) (*sessionOutput, error) {
			sess, err := svc.ActiveSession(ctx, input.Scope)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/sessions/{session_id}", Summary: "Get a session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*sessionOutput, error) {
			sess, err := svc.GetSession(ctx, input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "submit-annotations", Method: http.MethodPost, Path: "/api/v1/sessions/{session_id}/annotations", Summary: "Submit annotations", Description: "All-or-nothing: one invalid annotation rejects the whole set and names its id.", Tags: []string{"Annotations"}},
		func(ctx context.Context, input *struct {
			SessionID string `path:"session_id"`
			Body      struct {
				Annotations []annotationBody `json:"annotations" minItems:"1"`
			}
		}) (*sessionOutput, error) {
			anns := make([]session.Annotation, 0, len(input.Body.Annotations))
			for _, b := range input.Body.Annotations {
				anns = append(anns, b.annotation())
			}
			sess, err := svc.SubmitAnnotations(ctx, input.SessionID, anns)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "update-annotation-status", Method: http.MethodPut, Path: "/api/v1/sessions/{session_id}/annotations/{annotation_id}/status", Summary: "Move an annotation forward", Description: "Statuses only move forward: pending, in-progress, resolved.", Tags: []string{"Annotations"}},
		func(ctx context.Context, input *struct {
			SessionID    string `path:"session_id"`
			AnnotationID string `path:"annotation_id"`
			Body         struct {
				Status session.Status `json:"status" enum:"pending,in-progress,resolved"`
			}
		}) (*sessionOutput, error) {
			sess, err := svc.UpdateStatus(ctx, input.SessionID, input.AnnotationID, input.Body.Status)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reopen-annotation", Method: http.MethodPost, Path: "/api/v1/sessions/{session_id}/annotations/{annotation_id}/reopen", Summary: "Reopen an annotation", Description: "Appends a new pending annotation that supersedes the given one. The original is kept.", Tags: []string{"Annotations"}},
		func(ctx context.Context, input *struct {
			SessionID    string `path:"session_id"`
			AnnotationID string `path:"annotation_id"`
			Body         struct {
				Content string `json:"content,omitempty" doc:"New text. Defaults to the original content."`
			}
		}) (*sessionOutput, error) {
			sess, err := svc.ReopenAnnotation(ctx, input.SessionID, input.AnnotationID, input.Body.Content)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "publish-session", Method: http.MethodPost, Path: "/api/v1/sessions/{session_id}/publish", Summary: "Publish the client's annotations", Description: "Persists the session manifest and locks it for the client. A 503 leaves the session open and can be retried as is.", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*sessionOutput, error) {
			sess, err := svc.Publish(ctx, input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resolve-session", Method: http.MethodPost, Path: "/api/v1/sessions/{session_id}/resolve", Summary: "Resolve and archive a session", Description: "Requires every annotation to be resolved; otherwise 409 with the outstanding count.", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*sessionOutput, error) {
			sess, err := svc.Resolve(ctx, input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: sess}, nil
		})

	type bundleOutput struct {
		ContentDisposition string `header:"Content-Disposition"`
		Body               session.Bundle
	}

	huma.Register(api, huma.Operation{OperationID: "download-bundle", Method: http.MethodGet, Path: "/api/v1/sessions/{session_id}/bundle", Summary: "Download the session with inlined screenshots", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *sessionIDInput) (*bundleOutput, error) {
			b, err := svc.Bundle(ctx, input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &bundleOutput{
				ContentDisposition: `attachment; filename="routeshot-` + b.Session.ID + `.json"`,
				Body:               b,
			}, nil
		})
}
