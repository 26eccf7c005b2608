package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/routeshot/internal/artifact"
	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/controller"
)

func registerCaptureHandlers(api huma.API, svc Service) {
	type runOutput struct {
		Body artifact.RunManifest
	}

	type captureOutput struct {
		Body struct {
			Run    artifact.RunManifest `json:"run"`
			OK     int                  `json:"ok"`
			Failed int                  `json:"failed"`
			Error  string               `json:"error,omitempty"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "create-capture", Method: http.MethodPost, Path: "/api/v1/captures", Summary: "Capture screenshots", Description: "Captures every selected route at every selected viewport under one fixture profile. Failed pairs are recorded in the run, not returned as an error.", Tags: []string{"Captures"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Profile   string   `json:"profile,omitempty" doc:"Fixture profile id. Defaults to the project profile."`
				Routes    []string `json:"routes,omitempty" doc:"Canonical route paths to capture. Empty captures all."`
				Viewports []string `json:"viewports,omitempty" doc:"Viewport names. Empty captures all."`
			}
		}) (*captureOutput, error) {
			m, err := svc.Capture(ctx, controller.CaptureRequest{
				Profile:   input.Body.Profile,
				Routes:    input.Body.Routes,
				Viewports: input.Body.Viewports,
			})
			if err != nil && m.RunID == "" {
				return nil, mapErr(err)
			}
			out := &captureOutput{}
			out.Body.Run = m
			out.Body.OK = len(m.OKKeys())
			out.Body.Failed = len(m.Artifacts) - out.Body.OK
			if err != nil {
				out.Body.Error = err.Error()
			}
			return out, nil
		})

	type listRunsOutput struct {
		Body struct {
			Runs []artifact.RunManifest `json:"runs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-runs", Method: http.MethodGet, Path: "/api/v1/runs", Summary: "List capture runs, newest first", Tags: []string{"Captures"}},
		func(ctx context.Context, input *struct{}) (*listRunsOutput, error) {
			runs, err := svc.ListRuns(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listRunsOutput{}
			out.Body.Runs = runs
			return out, nil
		})

	type runIDInput struct {
		RunID string `path:"run_id"`
	}

	huma.Register(api, huma.Operation{OperationID: "get-run", Method: http.MethodGet, Path: "/api/v1/runs/{run_id}", Summary: "Get a capture run manifest", Tags: []string{"Captures"}},
		func(ctx context.Context, input *runIDInput) (*runOutput, error) {
			m, err := svc.GetRun(ctx, input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: m}, nil
		})

	type imageOutput struct {
		ContentType  string `header:"Content-Type"`
		CacheControl string `header:"Cache-Control"`
		Body         []byte
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-run-image",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs/{run_id}/image",
		Summary:     "Get a captured screenshot",
		Tags:        []string{"Captures"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Screenshot",
				Content: map[string]*huma.MediaType{
					"image/png": {
						Schema: &huma.Schema{Type: "string", Format: "binary"},
					},
				},
			},
		},
	}, func(ctx context.Context, input *struct {
		RunID    string `path:"run_id"`
		Route    string `query:"route" required:"true" doc:"Canonical route path"`
		Viewport string `query:"viewport" required:"true" doc:"Viewport name"`
		Thumb    bool   `query:"thumb" doc:"Return the thumbnail instead of the full image"`
	}) (*imageOutput, error) {
		data, err := svc.Image(ctx, input.RunID, capture.Key{Route: input.Route, Viewport: input.Viewport}, input.Thumb)
		if err != nil {
			return nil, mapErr(err)
		}
		return &imageOutput{ContentType: "image/png", CacheControl: "private, max-age=3600", Body: data}, nil
	})
}
