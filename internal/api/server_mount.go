package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/routeshot/internal/mount"
)

func registerMountHandlers(api huma.API, svc Service) {
	type mountOutput struct {
		Body struct {
			Config mount.Config `json:"config"`
			Script string       `json:"script"`
		}
	}

	lookup := func(ctx context.Context, kind mount.Kind, id string) (mount.Config, error) {
		if kind == mount.KindResolve {
			return svc.ResolveMount(ctx, id)
		}
		return svc.AnnotateMount(ctx, id)
	}

	huma.Register(api, huma.Operation{OperationID: "get-mount", Method: http.MethodGet, Path: "/api/v1/sessions/{session_id}/mounts/{kind}", Summary: "Get a mount configuration", Description: "Returns the config object and the script tag the dev-server plugin injects before the UI runs.", Tags: []string{"Mounts"}},
		func(ctx context.Context, input *struct {
			SessionID string     `path:"session_id"`
			Kind      mount.Kind `path:"kind" enum:"annotate,resolve"`
		}) (*mountOutput, error) {
			cfg, err := lookup(ctx, input.Kind, input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			script, err := mount.Script(cfg)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &mountOutput{}
			out.Body.Config = cfg
			out.Body.Script = script
			return out, nil
		})

	type scriptOutput struct {
		ContentType  string `header:"Content-Type"`
		CacheControl string `header:"Cache-Control"`
		Body         []byte
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-mount-script",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{session_id}/mounts/{kind}/script",
		Summary:     "Get the early-execution script tag",
		Tags:        []string{"Mounts"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Script tag",
				Content: map[string]*huma.MediaType{
					"text/html": {
						Schema: &huma.Schema{Type: "string"},
					},
				},
			},
		},
	}, func(ctx context.Context, input *struct {
		SessionID string     `path:"session_id"`
		Kind      mount.Kind `path:"kind" enum:"annotate,resolve"`
	}) (*scriptOutput, error) {
		cfg, err := lookup(ctx, input.Kind, input.SessionID)
		if err != nil {
			return nil, mapErr(err)
		}
		script, err := mount.Script(cfg)
		if err != nil {
			return nil, mapErr(err)
		}
		return &scriptOutput{ContentType: "text/html; charset=utf-8", CacheControl: "no-store", Body: []byte(script)}, nil
	})
}
