package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"defectline/internal/domain"
	"defectline/internal/duedate"
	"defectline/internal/engine"
	"defectline/internal/repo"
)

type defectPath struct {
	ID string `path:"id" doc:"Defect id or number"`
}

func registerDefects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-defect",
		Method:        http.MethodPost,
		Path:          "/defects",
		Summary:       "Report a defect",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDefectRequest `json:"body"`
	}) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		due, err := parseDueDate(input.Body.DueDate)
		if err != nil {
			return nil, err
		}
		d, cerr := e.CreateDefect(ctx, engine.CreateDefectOptions{
			ProjectID:   input.Body.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Floor:       input.Body.Floor,
			Room:        input.Body.Room,
			Priority:    domain.Priority(input.Body.Priority),
			Severity:    domain.Severity(input.Body.Severity),
			CategoryID:  strings.TrimSpace(input.Body.CategoryID),
			DueDate:     due,
			ActorID:     actorID,
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		view, gerr := e.GetDefect(ctx, d.ID)
		if gerr != nil {
			return nil, handleError(gerr)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-defects",
		Method:      http.MethodGet,
		Path:        "/defects",
		Summary:     "List defects, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Status     string `query:"status" enum:"new,in_progress,review,closed,cancelled"`
		AssigneeID string `query:"assignee_id"`
		Priority   string `query:"priority" enum:"low,medium,high,critical"`
		CategoryID string `query:"category_id"`
		Overdue    bool   `query:"overdue" doc:"Only open defects past their due date"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedDefects `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListDefects(ctx, engine.ListOptions{
			DefectFilters: repo.DefectFilters{
				ProjectID:       input.ProjectID,
				Status:          domain.Status(input.Status),
				AssigneeID:      input.AssigneeID,
				Priority:        domain.Priority(input.Priority),
				CategoryID:      input.CategoryID,
				Limit:           limit + 1,
				CursorCreatedAt: cursorTS,
				CursorID:        cursorID,
			},
			OverdueOnly: input.Overdue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDefects{}
		if len(items) > limit {
			items = items[:limit]
			ts, id := repo.CursorFor(items[limit-1].Defect)
			resp.NextCursor = composeCursor(ts, id)
		}
		resp.Items = mapDefects(items)
		return &struct {
			Body paginatedDefects `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-defect",
		Method:      http.MethodGet,
		Path:        "/defects/{id}",
		Summary:     "Get a defect by id or number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *defectPath) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		view, err := e.GetDefect(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-defect",
		Method:      http.MethodPatch,
		Path:        "/defects/{id}",
		Summary:     "Edit a defect's descriptive fields",
		Description: "Managers may edit any defect; others only defects they reported or are assigned to. " +
			"Status, assignee and due date have their own routes.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		defectPath
		Body UpdateDefectRequest `json:"body"`
	}) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, err := resolveDefectID(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		b := input.Body
		opts := engine.UpdateDefectOptions{
			DefectID:        id,
			ExpectedVersion: b.ExpectedVersion,
			ActorID:         actorID,
			Title:           b.Title,
			Description:     b.Description,
			Location:        b.Location,
			Floor:           b.Floor,
			Room:            b.Room,
			CategoryID:      b.CategoryID,
		}
		if b.Priority != nil {
			p := domain.Priority(*b.Priority)
			opts.Priority = &p
		}
		if b.Severity != nil {
			sv := domain.Severity(*b.Severity)
			opts.Severity = &sv
		}
		view, uerr := e.UpdateDefect(ctx, opts)
		if uerr != nil {
			return nil, handleError(uerr)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-update-defects",
		Method:      http.MethodPost,
		Path:        "/defects/bulk",
		Summary:     "Apply one action to many defects",
		Description: "Each defect is updated on its own. The response lists every item with either its " +
			"new version or the error a single request would have returned.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body BulkRequest `json:"body"`
	}) (*struct {
		Body BulkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		targets := make([]engine.BulkTarget, 0, len(input.Body.Defects))
		for _, t := range input.Body.Defects {
			targets = append(targets, engine.BulkTarget{ID: strings.TrimSpace(t.ID), ExpectedVersion: t.ExpectedVersion})
		}
		res, berr := e.BulkUpdate(ctx, engine.BulkOptions{
			ActorID: actorID,
			Action:  engine.BulkAction(input.Body.Action),
			Value:   strings.TrimSpace(input.Body.Value),
			Comment: input.Body.Comment,
			Targets: targets,
		})
		if berr != nil {
			return nil, handleError(berr)
		}
		return &struct {
			Body BulkResponse `json:"body"`
		}{Body: bulkResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/defects/{id}/comments",
		Summary:     "Comments on a defect, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *defectPath) (*struct {
		Body struct {
			Items []CommentResponse `json:"items"`
		} `json:"body"`
	}, error) {
		id, err := resolveDefectID(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		comments, cerr := e.ListComments(ctx, id)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		resp := &struct {
			Body struct {
				Items []CommentResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = make([]CommentResponse, 0, len(comments))
		for _, c := range comments {
			resp.Body.Items = append(resp.Body.Items, commentResponse(c))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/defects/{id}/comments",
		Summary:       "Comment on a defect",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		defectPath
		Body CommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, err := resolveDefectID(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		c, cerr := e.AddComment(ctx, engine.AddCommentOptions{
			DefectID: id,
			ActorID:  actorID,
			Body:     input.Body.Body,
			Kind:     domain.CommentKind(input.Body.Kind),
			ReplyTo:  input.Body.ReplyTo,
		})
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-defect",
		Method:      http.MethodPost,
		Path:        "/defects/{id}/status",
		Summary:     "Change a defect's status",
		Description: "Rejected with 422 invalid_transition when no role may make the move, " +
			"403 forbidden_role when the caller's role may not, and 409 concurrent_modification " +
			"when expected_version is stale.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		defectPath
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, err := resolveDefectID(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		view, rec, terr := e.Transition(ctx, engine.TransitionOptions{
			DefectID:        id,
			To:              domain.Status(input.Body.Status),
			ExpectedVersion: input.Body.ExpectedVersion,
			Comment:         input.Body.Comment,
			ActorID:         actorID,
		})
		if terr != nil {
			return nil, handleError(terr)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Defect: defectResponse(view), Transition: historyEntryResponse(rec)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-defect",
		Method:      http.MethodPost,
		Path:        "/defects/{id}/assign",
		Summary:     "Assign a defect to an engineer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		defectPath
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body DefectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, err := resolveDefectID(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		due, err := parseDueDate(input.Body.DueDate)
		if err != nil {
			return nil, err
		}
		view, aerr := e.Assign(ctx, engine.AssignOptions{
			DefectID:        id,
			AssigneeID:      strings.TrimSpace(input.Body.AssigneeID),
			DueDate:         due,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
		})
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return &struct {
			Body DefectResponse `json:"body"`
		}{Body: defectResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "defect-history",
		Method:      http.MethodGet,
		Path:        "/defects/{id}/history",
		Summary:     "Status history, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *defectPath) (*struct {
		Body struct {
			Items []HistoryEntryResponse `json:"items"`
		} `json:"body"`
	}, error) {
		id, err := resolveDefectID(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		recs, herr := e.History(ctx, id)
		if herr != nil {
			return nil, handleError(herr)
		}
		resp := &struct {
			Body struct {
				Items []HistoryEntryResponse `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = make([]HistoryEntryResponse, 0, len(recs))
		for _, rec := range recs {
			resp.Body.Items = append(resp.Body.Items, historyEntryResponse(rec))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "defect-transitions",
		Method:      http.MethodGet,
		Path:        "/defects/{id}/transitions",
		Summary:     "Statuses the caller may move the defect to",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *defectPath) (*struct {
		Body AllowedTransitionsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, gerr := e.GetDefect(ctx, input.ID)
		if gerr != nil {
			return nil, handleError(gerr)
		}
		allowed, aerr := e.AllowedTransitions(ctx, view.ID, actorID)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		out := make([]string, 0, len(allowed))
		for _, s := range allowed {
			out = append(out, string(s))
		}
		return &struct {
			Body AllowedTransitionsResponse `json:"body"`
		}{Body: AllowedTransitionsResponse{DefectID: view.ID, Status: string(view.Status), Allowed: out}}, nil
	})
}

// resolveDefectID lets mutating routes accept a defect number as well as an id.
func resolveDefectID(ctx context.Context, e engine.Engine, idOrNumber string) (string, huma.StatusError) {
	view, err := e.GetDefect(ctx, idOrNumber)
	if err != nil {
		return "", handleError(err)
	}
	return view.ID, nil
}

func parseDueDate(raw string) (*time.Time, huma.StatusError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := duedate.ParseAbsolute(raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid due_date", map[string]any{"due_date": raw, "error": err.Error()})
	}
	return &t, nil
}
