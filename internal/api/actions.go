package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/mirahq/mira/internal/continuum"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

// RowStore is the JSON verb surface of the service database, used by the
// reminder, contacts and user domains.
type RowStore interface {
	JSONInsert(ctx context.Context, table string, data map[string]any) (string, error)
	JSONSelect(ctx context.Context, table string, filters map[string]any, orderBy string, limit int) ([]map[string]any, error)
	JSONUpdate(ctx context.Context, table, id string, updates map[string]any) (int64, error)
	JSONDelete(ctx context.Context, table string, filters map[string]any) (int64, error)
}

// ContinuumAdmin is the slice of the continuum store the continuum domain
// mutates.
type ContinuumAdmin interface {
	PrimaryForUser(ctx context.Context) (*continuum.Record, error)
	PostponeCollapse(ctx context.Context, continuumID string, minutes int) (time.Time, error)
	ActiveSentinel(ctx context.Context, continuumID string) (models.Message, bool, error)
}

// SegmentCollapser collapses one active segment on demand.
type SegmentCollapser interface {
	CollapseSegment(ctx context.Context, continuumID, segmentID string) error
}

// DomaindocManager is the per-user storage slice behind domain_knowledge.
type DomaindocManager interface {
	UpsertDomaindoc(ctx context.Context, section, subsection, content string) (*models.Domaindoc, error)
	GetDomaindoc(ctx context.Context, section, subsection string) (*models.Domaindoc, error)
	ListDomaindocs(ctx context.Context) ([]models.Domaindoc, error)
	DeleteDomaindoc(ctx context.Context, section, subsection string) error
	SetDomaindocFlags(ctx context.Context, section, subsection string, collapsed, expandedByDefault *bool) error
}

// DomaindocOpener resolves per-user domaindoc storage.
type DomaindocOpener func(userID string) (DomaindocManager, error)

// ActionsOptions wire the dispatcher. All collaborators are required.
type ActionsOptions struct {
	Rows       RowStore
	Memory     MemoryService
	Continuums ContinuumAdmin
	Collapser  SegmentCollapser
	Domaindocs DomaindocOpener
	Logger     *observability.Logger
}

// Actions routes domain-scoped mutations from POST /v1/actions onto the
// owning subsystems. Validation failures come back as RequestErrors so the
// handler can map them without string matching.
type Actions struct {
	rows       RowStore
	memory     MemoryService
	continuums ContinuumAdmin
	collapser  SegmentCollapser
	domaindocs DomaindocOpener
	logger     *observability.Logger
}

// NewActions builds the dispatcher.
func NewActions(opts ActionsOptions) (*Actions, error) {
	switch {
	case opts.Rows == nil:
		return nil, errors.New("api: row store is required")
	case opts.Memory == nil:
		return nil, errors.New("api: memory service is required")
	case opts.Continuums == nil:
		return nil, errors.New("api: continuum admin is required")
	case opts.Collapser == nil:
		return nil, errors.New("api: segment collapser is required")
	case opts.Domaindocs == nil:
		return nil, errors.New("api: domaindoc opener is required")
	case opts.Logger == nil:
		return nil, errors.New("api: logger is required")
	}
	return &Actions{
		rows:       opts.Rows,
		memory:     opts.Memory,
		continuums: opts.Continuums,
		collapser:  opts.Collapser,
		domaindocs: opts.Domaindocs,
		logger:     opts.Logger.Component("api.actions"),
	}, nil
}

// actionRequest is the body of POST /v1/actions.
type actionRequest struct {
	Domain string         `json:"domain"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	result, err := s.actions.Execute(r.Context(), req.Domain, req.Action, req.Data)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeSuccess(w, r, result)
}

// Execute runs one domain action for the ambient user.
func (a *Actions) Execute(ctx context.Context, domain, action string, data map[string]any) (any, error) {
	if strings.TrimSpace(domain) == "" {
		return nil, missingField("domain")
	}
	if strings.TrimSpace(action) == "" {
		return nil, missingField("action")
	}
	if data == nil {
		data = map[string]any{}
	}

	switch domain {
	case "reminder":
		return a.reminderAction(ctx, action, data)
	case "memory":
		return a.memoryAction(ctx, action, data)
	case "user":
		return a.userAction(ctx, action, data)
	case "contacts":
		return a.contactsAction(ctx, action, data)
	case "continuum":
		return a.continuumAction(ctx, action, data)
	case "domain_knowledge":
		return a.domaindocAction(ctx, action, data)
	default:
		return nil, unknownDomain(domain)
	}
}

// stringField reads a required non-empty string.
func stringField(data map[string]any, field string) (string, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return "", missingField(field)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidField(field, "must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", missingField(field)
	}
	return s, nil
}

// optionalString reads a string that may be absent; empty means absent.
func optionalString(data map[string]any, field string) (string, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidField(field, "must be a string")
	}
	return strings.TrimSpace(s), nil
}

// intField reads a required integer. JSON numbers decode as float64, so
// integral floats are accepted and fractional ones rejected.
func intField(data map[string]any, field string) (int, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return 0, missingField(field)
	}
	return intValue(field, v)
}

func optionalInt(data map[string]any, field string, def int) (int, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return def, nil
	}
	return intValue(field, v)
}

func intValue(field string, v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, invalidField(field, "must be an integer")
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, invalidField(field, "must be a number")
	}
}

func optionalFloat(data map[string]any, field string, def float64) (float64, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, invalidField(field, "must be a number")
	}
}

// optionalBool reads a bool that may be absent; nil means absent.
func optionalBool(data map[string]any, field string) (*bool, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, invalidField(field, "must be a boolean")
	}
	return &b, nil
}

// optionalTime reads an RFC 3339 timestamp that may be absent.
func optionalTime(data map[string]any, field string) (*time.Time, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, invalidField(field, "must be an RFC 3339 timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, invalidField(field, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// optionalObject reads a JSON object that may be absent.
func optionalObject(data map[string]any, field string) (map[string]any, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, invalidField(field, "must be an object")
	}
	return obj, nil
}

// stringsField reads a required non-empty list of strings. A bare string is
// accepted as a single-element list.
func stringsField(data map[string]any, field string) ([]string, error) {
	v, ok := data[field]
	if !ok || v == nil {
		return nil, missingField(field)
	}
	switch vv := v.(type) {
	case string:
		if strings.TrimSpace(vv) == "" {
			return nil, missingField(field)
		}
		return []string{strings.TrimSpace(vv)}, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, invalidField(field, "must be a list of non-empty strings")
			}
			out = append(out, strings.TrimSpace(s))
		}
		if len(out) == 0 {
			return nil, missingField(field)
		}
		return out, nil
	default:
		return nil, invalidField(field, "must be a list of strings")
	}
}
