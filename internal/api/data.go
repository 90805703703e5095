package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mirahq/mira/pkg/models"
)

const (
	dataPageDefault = 50
	dataPageMax     = 200
)

// historyMessage is the wire shape of one conversation message. Content
// flattens to its text form; tool plumbing stays internal.
type historyMessage struct {
	ID        string         `json:"id"`
	Role      models.Role    `json:"role"`
	Text      string         `json:"text"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dataType := q.Get("type")
	if dataType == "" {
		s.writeFailure(w, r, missingField("type"))
		return
	}

	limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	switch dataType {
	case "history":
		s.serveHistory(w, r, q.Get("continuum_id"), limit, offset)
	case "memories":
		s.serveMemories(w, r, limit, offset)
	case "user":
		profile, err := s.actions.userProfile(r.Context())
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		s.writeSuccess(w, r, map[string]any{"user": profile})
	default:
		s.writeFailure(w, r, &RequestError{
			Status:  http.StatusBadRequest,
			Code:    codeValidation,
			Message: fmt.Sprintf("unknown data type %q", dataType),
		})
	}
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request, continuumID string, limit, offset int) {
	ctx := r.Context()
	if continuumID == "" {
		rec, err := s.history.PrimaryForUser(ctx)
		if err != nil {
			s.writeFailure(w, r, fmt.Errorf("resolve primary continuum: %w", err))
			return
		}
		continuumID = rec.ID
	}

	messages, total, err := s.history.MessagesPage(ctx, continuumID, limit, offset)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	wire := make([]historyMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, historyMessage{
			ID:        m.ID,
			Role:      m.Role,
			Text:      m.Text(),
			CreatedAt: m.CreatedAt,
			Metadata:  m.Metadata,
		})
	}
	s.writeSuccessPage(w, r, map[string]any{
		"continuum_id": continuumID,
		"messages":     wire,
	}, &pagination{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) serveMemories(w http.ResponseWriter, r *http.Request, limit, offset int) {
	memories, total, err := s.memory.MemoriesPage(r.Context(), limit, offset)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if memories == nil {
		memories = []*models.Memory{}
	}
	s.writeSuccessPage(w, r, map[string]any{"memories": memories},
		&pagination{Total: total, Limit: limit, Offset: offset})
}

// pageParams parses limit and offset query values, bounding the page size.
func pageParams(rawLimit, rawOffset string) (limit, offset int, err error) {
	limit = dataPageDefault
	if rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return 0, 0, invalidField("limit", "must be a positive integer")
		}
		if limit > dataPageMax {
			limit = dataPageMax
		}
	}
	if rawOffset != "" {
		offset, err = strconv.Atoi(rawOffset)
		if err != nil || offset < 0 {
			return 0, 0, invalidField("offset", "must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
