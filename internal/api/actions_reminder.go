package api

import (
	"context"
	"fmt"
)

// reminderListLimit is the default and maximum page size for reminder.list.
const reminderListLimit = 50

func (a *Actions) reminderAction(ctx context.Context, action string, data map[string]any) (any, error) {
	switch action {
	case "create":
		return a.reminderCreate(ctx, data)
	case "list":
		return a.reminderList(ctx, data)
	case "complete":
		return a.reminderComplete(ctx, data)
	case "delete":
		return a.reminderDelete(ctx, data)
	default:
		return nil, unknownAction("reminder", action)
	}
}

func (a *Actions) reminderCreate(ctx context.Context, data map[string]any) (any, error) {
	title, err := stringField(data, "title")
	if err != nil {
		return nil, err
	}
	dueAt, err := optionalTime(data, "due_at")
	if err != nil {
		return nil, err
	}
	payload, err := optionalObject(data, "payload")
	if err != nil {
		return nil, err
	}

	row := map[string]any{"title": title, "completed": false}
	if dueAt != nil {
		row["due_at"] = dueAt.UTC()
	}
	if payload != nil {
		row["payload"] = payload
	}

	id, err := a.rows.JSONInsert(ctx, "reminders", row)
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	a.logger.WithContext(ctx).Info("reminder created", "reminder_id", id)
	return map[string]any{"id": id, "title": title}, nil
}

func (a *Actions) reminderList(ctx context.Context, data map[string]any) (any, error) {
	completed, err := optionalBool(data, "completed")
	if err != nil {
		return nil, err
	}
	limit, err := optionalInt(data, "limit", reminderListLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > reminderListLimit {
		limit = reminderListLimit
	}

	filters := map[string]any{}
	if completed != nil {
		filters["completed"] = *completed
	}
	rows, err := a.rows.JSONSelect(ctx, "reminders", filters, "due_at ASC", limit)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return map[string]any{"reminders": rows, "count": len(rows)}, nil
}

func (a *Actions) reminderComplete(ctx context.Context, data map[string]any) (any, error) {
	id, err := stringField(data, "id")
	if err != nil {
		return nil, err
	}
	n, err := a.rows.JSONUpdate(ctx, "reminders", id, map[string]any{"completed": true})
	if err != nil {
		return nil, fmt.Errorf("complete reminder: %w", err)
	}
	if n == 0 {
		return nil, notFound(fmt.Sprintf("reminder %s not found", id))
	}
	return map[string]any{"id": id, "completed": true}, nil
}

func (a *Actions) reminderDelete(ctx context.Context, data map[string]any) (any, error) {
	id, err := stringField(data, "id")
	if err != nil {
		return nil, err
	}
	n, err := a.rows.JSONDelete(ctx, "reminders", map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("delete reminder: %w", err)
	}
	if n == 0 {
		return nil, notFound(fmt.Sprintf("reminder %s not found", id))
	}
	return map[string]any{"deleted": true}, nil
}
