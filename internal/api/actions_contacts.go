package api

import (
	"context"
	"fmt"
)

const contactListLimit = 50

func (a *Actions) contactsAction(ctx context.Context, action string, data map[string]any) (any, error) {
	switch action {
	case "create":
		return a.contactCreate(ctx, data)
	case "list":
		return a.contactList(ctx, data)
	case "update":
		return a.contactUpdate(ctx, data)
	case "delete":
		return a.contactDelete(ctx, data)
	default:
		return nil, unknownAction("contacts", action)
	}
}

func (a *Actions) contactCreate(ctx context.Context, data map[string]any) (any, error) {
	name, err := stringField(data, "name")
	if err != nil {
		return nil, err
	}
	details, err := optionalObject(data, "details")
	if err != nil {
		return nil, err
	}

	row := map[string]any{"name": name}
	if details != nil {
		row["details"] = details
	}
	id, err := a.rows.JSONInsert(ctx, "contacts", row)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	a.logger.WithContext(ctx).Info("contact created", "contact_id", id)
	return map[string]any{"id": id, "name": name}, nil
}

func (a *Actions) contactList(ctx context.Context, data map[string]any) (any, error) {
	limit, err := optionalInt(data, "limit", contactListLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > contactListLimit {
		limit = contactListLimit
	}
	rows, err := a.rows.JSONSelect(ctx, "contacts", nil, "name ASC", limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return map[string]any{"contacts": rows, "count": len(rows)}, nil
}

func (a *Actions) contactUpdate(ctx context.Context, data map[string]any) (any, error) {
	id, err := stringField(data, "id")
	if err != nil {
		return nil, err
	}
	name, err := optionalString(data, "name")
	if err != nil {
		return nil, err
	}
	details, err := optionalObject(data, "details")
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if name != "" {
		updates["name"] = name
	}
	if details != nil {
		updates["details"] = details
	}
	if len(updates) == 0 {
		return nil, &RequestError{Status: 400, Code: codeValidation, Message: "update requires name or details"}
	}

	n, err := a.rows.JSONUpdate(ctx, "contacts", id, updates)
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	if n == 0 {
		return nil, notFound(fmt.Sprintf("contact %s not found", id))
	}
	return map[string]any{"id": id, "updated": true}, nil
}

func (a *Actions) contactDelete(ctx context.Context, data map[string]any) (any, error) {
	id, err := stringField(data, "id")
	if err != nil {
		return nil, err
	}
	n, err := a.rows.JSONDelete(ctx, "contacts", map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("delete contact: %w", err)
	}
	if n == 0 {
		return nil, notFound(fmt.Sprintf("contact %s not found", id))
	}
	return map[string]any{"deleted": true}, nil
}
