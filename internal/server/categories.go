package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"defectline/internal/engine"
)

func registerCategories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "List defect categories",
	}, func(ctx context.Context, input *struct {
		IncludeInactive bool `query:"include_inactive"`
	}) (*struct {
		Body struct {
			Items []CategoryResponse `json:"items"`
		} `json:"body"`
	}, error) {
		cats, err := e.ListCategories(ctx, input.IncludeInactive)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []CategoryResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = make([]CategoryResponse, 0, len(cats))
		for _, c := range cats {
			resp.Body.Items = append(resp.Body.Items, categoryResponse(c))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-category",
		Method:        http.MethodPost,
		Path:          "/categories",
		Summary:       "Create a category (managers only)",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCategoryRequest `json:"body"`
	}) (*struct {
		Body CategoryResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCategory(ctx, engine.CreateCategoryOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Color:       input.Body.Color,
			SortOrder:   input.Body.SortOrder,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CategoryResponse `json:"body"`
		}{Body: categoryResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deactivate-category",
		Method:        http.MethodDelete,
		Path:          "/categories/{id}",
		Summary:       "Retire a category no defect uses (managers only)",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeactivateCategory(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
