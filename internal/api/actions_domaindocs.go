package api

import (
	"context"
	"fmt"

	"github.com/mirahq/mira/internal/observability"
)

func (a *Actions) domaindocAction(ctx context.Context, action string, data map[string]any) (any, error) {
	userID, err := observability.RequireUserID(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := a.domaindocs(userID)
	if err != nil {
		return nil, fmt.Errorf("open domaindoc store: %w", err)
	}

	switch action {
	case "upsert":
		return a.domaindocUpsert(ctx, mgr, data)
	case "get":
		return a.domaindocGet(ctx, mgr, data)
	case "list":
		docs, err := mgr.ListDomaindocs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list domaindocs: %w", err)
		}
		return map[string]any{"domaindocs": docs, "count": len(docs)}, nil
	case "delete":
		return a.domaindocDelete(ctx, mgr, data)
	case "set_flags":
		return a.domaindocSetFlags(ctx, mgr, data)
	default:
		return nil, unknownAction("domain_knowledge", action)
	}
}

func (a *Actions) domaindocUpsert(ctx context.Context, mgr DomaindocManager, data map[string]any) (any, error) {
	section, err := stringField(data, "section")
	if err != nil {
		return nil, err
	}
	content, err := stringField(data, "content")
	if err != nil {
		return nil, err
	}
	subsection, err := optionalString(data, "subsection")
	if err != nil {
		return nil, err
	}
	doc, err := mgr.UpsertDomaindoc(ctx, section, subsection, content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"domaindoc": doc}, nil
}

func (a *Actions) domaindocGet(ctx context.Context, mgr DomaindocManager, data map[string]any) (any, error) {
	section, err := stringField(data, "section")
	if err != nil {
		return nil, err
	}
	subsection, err := optionalString(data, "subsection")
	if err != nil {
		return nil, err
	}
	doc, err := mgr.GetDomaindoc(ctx, section, subsection)
	if err != nil {
		return nil, err
	}
	return map[string]any{"domaindoc": doc}, nil
}

func (a *Actions) domaindocDelete(ctx context.Context, mgr DomaindocManager, data map[string]any) (any, error) {
	section, err := stringField(data, "section")
	if err != nil {
		return nil, err
	}
	subsection, err := optionalString(data, "subsection")
	if err != nil {
		return nil, err
	}
	if err := mgr.DeleteDomaindoc(ctx, section, subsection); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (a *Actions) domaindocSetFlags(ctx context.Context, mgr DomaindocManager, data map[string]any) (any, error) {
	section, err := stringField(data, "section")
	if err != nil {
		return nil, err
	}
	subsection, err := optionalString(data, "subsection")
	if err != nil {
		return nil, err
	}
	collapsed, err := optionalBool(data, "collapsed")
	if err != nil {
		return nil, err
	}
	expanded, err := optionalBool(data, "expanded_by_default")
	if err != nil {
		return nil, err
	}
	if collapsed == nil && expanded == nil {
		return nil, &RequestError{Status: 400, Code: codeValidation, Message: "set_flags requires collapsed or expanded_by_default"}
	}
	if err := mgr.SetDomaindocFlags(ctx, section, subsection, collapsed, expanded); err != nil {
		return nil, err
	}
	return map[string]any{"updated": true}, nil
}
