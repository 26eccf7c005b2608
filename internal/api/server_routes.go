package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/routeshot/internal/routes"
)

func registerRouteHandlers(api huma.API, svc Service) {
	type listRoutesOutput struct {
		Body struct {
			Count  int                 `json:"count"`
			Routes []routes.Descriptor `json:"routes"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-routes", Method: http.MethodGet, Path: "/api/v1/routes", Summary: "Discover the route manifest", Description: "Rebuilds the manifest from the project's route sources. Duplicate routes and misplaced catch-alls fail with 422.", Tags: []string{"Routes"}},
		func(ctx context.Context, input *struct{}) (*listRoutesOutput, error) {
			list, err := svc.DiscoverRoutes(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listRoutesOutput{}
			out.Body.Count = len(list)
			out.Body.Routes = list
			return out, nil
		})
}
