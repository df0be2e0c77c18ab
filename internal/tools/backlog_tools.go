package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/backlog-assistant/internal/backlog"
)

// BacklogStore is the slice of the backlog store the tools need.
type BacklogStore interface {
	List(ctx context.Context, userID string, f backlog.Filter) ([]backlog.Entry, error)
	Update(ctx context.Context, userID string, id int64, p backlog.Patch) (*backlog.Entry, error)
}

// notAvailable is what unimplemented tools return.
var notAvailable = map[string]any{
	"available": false,
	"message":   "This tool is not yet available.",
}

func statusSchema(description string) map[string]any {
	enum := make([]string, 0, len(backlog.Statuses()))
	for _, s := range backlog.Statuses() {
		enum = append(enum, string(s))
	}
	return map[string]any{
		"type":        "string",
		"enum":        enum,
		"description": description,
	}
}

func prioritySchema(description string) map[string]any {
	return map[string]any{
		"type":        "integer",
		"minimum":     backlog.MinPriority,
		"maximum":     backlog.MaxPriority,
		"description": description,
	}
}

// NewBacklogRegistry builds the registry of backlog assistant tools in
// manifest order.
func NewBacklogRegistry(store BacklogStore, p Policy, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(p, logger)
	h := &backlogHandlers{store: store}

	defs := []*Tool{
		{
			Name:        "get_user_backlog",
			Description: "Retrieves the user's game backlog with optional filtering by status and limit",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": statusSchema("Filter games by status"),
					"limit": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     backlog.MaxLimit,
						"description": "Maximum number of games to return (default: 50)",
					},
				},
			},
			Handler: h.getUserBacklog,
		},
		{
			Name:        "search_games",
			Description: "Search for games in the IGDB database by name or keyword",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"minLength":   1,
						"description": "Search query (game name or keyword)",
					},
				},
				"required": []string{"query"},
			},
			Handler: unavailable,
		},
		{
			Name:        "get_game_details",
			Description: "Get detailed information about a specific game from IGDB",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"game_id": map[string]any{
						"type":        "integer",
						"description": "IGDB game ID",
					},
				},
				"required": []string{"game_id"},
			},
			Handler: unavailable,
		},
		{
			Name:        "add_to_backlog",
			Description: "Add a game to the user's backlog",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"game_id": map[string]any{
						"type":        "integer",
						"description": "IGDB game ID",
					},
					"status":   statusSchema("Initial status for the game"),
					"priority": prioritySchema("Priority level (1-5)"),
				},
				"required": []string{"game_id"},
			},
			Handler: unavailable,
		},
		{
			Name:        "update_game_status",
			Description: "Update the status, priority, or notes for a game in the user's backlog",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entry_id": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "Backlog entry ID, as returned by get_user_backlog",
					},
					"status":   statusSchema("New status"),
					"priority": prioritySchema("New priority level (1-5)"),
					"notes": map[string]any{
						"type":        "string",
						"description": "Notes about the game. An empty string clears them.",
					},
				},
				"required": []string{"entry_id"},
			},
			Handler: h.updateGameStatus,
		},
		{
			Name:        "get_recommendations",
			Description: "Get personalized game recommendations based on the user's backlog and playing patterns",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     20,
						"description": "Number of recommendations to return (default: 5)",
					},
				},
			},
			Handler: unavailable,
		},
	}

	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func unavailable(context.Context, Caller, map[string]any) (any, error) {
	return notAvailable, nil
}

type backlogHandlers struct {
	store BacklogStore
}

func (h *backlogHandlers) getUserBacklog(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	f := backlog.Filter{Limit: backlog.DefaultLimit}
	if s, ok := stringArg(args, "status"); ok {
		f.Status = backlog.Status(s)
	}
	if n, ok := intArg(args, "limit"); ok {
		f.Limit = n
	}

	entries, err := h.store.List(ctx, caller.UserID, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"games": entries,
		"count": len(entries),
	}, nil
}

func (h *backlogHandlers) updateGameStatus(ctx context.Context, caller Caller, args map[string]any) (any, error) {
	id, _ := intArg(args, "entry_id")

	var p backlog.Patch
	if s, ok := stringArg(args, "status"); ok {
		status := backlog.Status(s)
		p.Status = &status
	}
	if n, ok := intArg(args, "priority"); ok {
		p.Priority = &n
	}
	if s, ok := stringArg(args, "notes"); ok {
		p.Notes = &s
	}
	if p.Empty() {
		return nil, failure(CodeInvalidInput, "Nothing to update: provide status, priority, or notes.")
	}

	entry, err := h.store.Update(ctx, caller.UserID, int64(id), p)
	switch {
	case errors.Is(err, backlog.ErrNotFound):
		return nil, failure(CodeNotFound, "Game not found in your backlog")
	case errors.Is(err, backlog.ErrInvalid):
		return nil, failure(CodeInvalidInput, "%v", err)
	case err != nil:
		return nil, err
	}
	return map[string]any{
		"success": true,
		"entry":   entry,
	}, nil
}
