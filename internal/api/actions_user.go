package api

import (
	"context"
	"fmt"
	"time"

	"github.com/mirahq/mira/internal/observability"
)

func (a *Actions) userAction(ctx context.Context, action string, data map[string]any) (any, error) {
	switch action {
	case "get":
		profile, err := a.userProfile(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"user": profile}, nil
	case "update":
		return a.userUpdate(ctx, data)
	default:
		return nil, unknownAction("user", action)
	}
}

// userProfile reads the ambient user's row. Row-level security scopes the
// select, so no explicit filter is needed.
func (a *Actions) userProfile(ctx context.Context) (map[string]any, error) {
	rows, err := a.rows.JSONSelect(ctx, "users", nil, "", 1)
	if err != nil {
		return nil, fmt.Errorf("load user profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, notFound("user profile not found")
	}
	return rows[0], nil
}

func (a *Actions) userUpdate(ctx context.Context, data map[string]any) (any, error) {
	displayName, err := optionalString(data, "display_name")
	if err != nil {
		return nil, err
	}
	timezone, err := optionalString(data, "timezone")
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if displayName != "" {
		updates["display_name"] = displayName
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, invalidField("timezone", "must be a valid IANA time zone")
		}
		updates["timezone"] = timezone
	}
	if len(updates) == 0 {
		return nil, &RequestError{Status: 400, Code: codeValidation, Message: "update requires display_name or timezone"}
	}

	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	n, err := a.rows.JSONUpdate(ctx, "users", userID, updates)
	if err != nil {
		return nil, fmt.Errorf("update user profile: %w", err)
	}
	if n == 0 {
		return nil, notFound("user profile not found")
	}
	return map[string]any{"updated": true}, nil
}
