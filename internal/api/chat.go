package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/mirahq/mira/internal/ingest"
	"github.com/mirahq/mira/internal/observability"
)

// maxAttachmentsPerMessage bounds one chat turn's uploads.
const maxAttachmentsPerMessage = 8

type chatAttachment struct {
	Filename string `json:"filename"`
	Data     string `json:"data"` // base64
}

type chatRequest struct {
	Message     string           `json:"message"`
	ContinuumID string           `json:"continuum_id,omitempty"`
	Attachments []chatAttachment `json:"attachments,omitempty"`
}

type chatMetadata struct {
	ToolsUsed    []string `json:"tools_used"`
	Iterations   int      `json:"iterations"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
}

type chatResponse struct {
	Response    string       `json:"response"`
	ContinuumID string       `json:"continuum_id"`
	SegmentID   string       `json:"segment_id"`
	Metadata    chatMetadata `json:"metadata"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeFailure(w, r, missingField("message"))
		return
	}

	attachments, err := s.processAttachments(req.Attachments)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	ctx := r.Context()
	reply, err := s.chat.Chat(ctx, observability.GetUserID(ctx), req.ContinuumID, req.Message, attachments...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	tools := reply.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	s.writeSuccess(w, r, chatResponse{
		Response:    reply.Response,
		ContinuumID: reply.ContinuumID,
		SegmentID:   reply.SegmentID,
		Metadata: chatMetadata{
			ToolsUsed:    tools,
			Iterations:   reply.Iterations,
			InputTokens:  reply.InputTokens,
			OutputTokens: reply.OutputTokens,
		},
	})
}

// processAttachments decodes and converts uploads into the renditions the
// orchestrator carries on the user turn.
func (s *Server) processAttachments(uploads []chatAttachment) ([]ingest.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if s.ingest == nil {
		return nil, validationError("attachments are not supported")
	}
	if len(uploads) > maxAttachmentsPerMessage {
		return nil, validationError(fmt.Sprintf("too many attachments: %d (max %d)", len(uploads), maxAttachmentsPerMessage))
	}

	out := make([]ingest.Attachment, 0, len(uploads))
	for _, up := range uploads {
		if strings.TrimSpace(up.Filename) == "" {
			return nil, missingField("filename")
		}
		data, err := base64.StdEncoding.DecodeString(up.Data)
		if err != nil {
			return nil, validationError(fmt.Sprintf("attachment %q: invalid base64", up.Filename))
		}
		att, err := s.ingest.ProcessAttachment(up.Filename, data)
		if err != nil {
			return nil, validationError(err.Error())
		}
		out = append(out, *att)
	}
	return out, nil
}
