package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/mirahq/mira/pkg/models"
)

func testMessage(t *testing.T, text string) models.Message {
	t.Helper()
	msg, err := models.NewMessage(models.RoleUser, models.MessageContent{models.TextBlock(text)}, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestDataRequiresType(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.do(t, http.MethodGet, "/v1/data", fx.token(t), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "type") {
		t.Errorf("error = %+v, want to name type", env.Error)
	}
}

func TestDataRejectsUnknownType(t *testing.T) {
	fx := newTestServer(t)

	status, env := fx.do(t, http.MethodGet, "/v1/data?type=everything", fx.token(t), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || !strings.Contains(env.Error.Message, "everything") {
		t.Errorf("error = %+v, want to name the type", env.Error)
	}
}

func TestDataHistoryPagination(t *testing.T) {
	fx := newTestServer(t)
	fx.history.messages = []models.Message{
		testMessage(t, "first"),
		testMessage(t, "second"),
	}
	fx.history.total = 41

	status, env := fx.do(t, http.MethodGet, "/v1/data?type=history&limit=2&offset=4", fx.token(t), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, error %+v", status, env.Error)
	}
	if env.Meta.Pagination == nil {
		t.Fatal("pagination meta missing")
	}
	if env.Meta.Pagination.Total != 41 || env.Meta.Pagination.Limit != 2 || env.Meta.Pagination.Offset != 4 {
		t.Errorf("pagination = %+v", env.Meta.Pagination)
	}

	var data struct {
		ContinuumID string `json:"continuum_id"`
		Messages    []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if data.ContinuumID != "c-1" {
		t.Errorf("continuum_id = %q", data.ContinuumID)
	}
	if len(data.Messages) != 2 || data.Messages[0].Text != "first" {
		t.Errorf("messages = %+v", data.Messages)
	}
	if fx.history.gotLimit != 2 || fx.history.gotOffset != 4 {
		t.Errorf("page query = %d/%d", fx.history.gotLimit, fx.history.gotOffset)
	}
}

func TestDataHistoryHonorsExplicitContinuum(t *testing.T) {
	fx := newTestServer(t)

	status, _ := fx.do(t, http.MethodGet, "/v1/data?type=history&continuum_id=c-7", fx.token(t), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if fx.history.gotContinuumID != "c-7" {
		t.Errorf("continuum = %q, want c-7", fx.history.gotContinuumID)
	}
}

func TestDataMemories(t *testing.T) {
	fx := newTestServer(t)
	fx.memory.page = []*models.Memory{{ID: "m-1", Text: "prefers tea"}}
	fx.memory.total = 3

	status, env := fx.do(t, http.MethodGet, "/v1/data?type=memories", fx.token(t), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, error %+v", status, env.Error)
	}
	if env.Meta.Pagination == nil || env.Meta.Pagination.Total != 3 {
		t.Fatalf("pagination = %+v", env.Meta.Pagination)
	}

	var data struct {
		Memories []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"memories"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode memories: %v", err)
	}
	if len(data.Memories) != 1 || data.Memories[0].Text != "prefers tea" {
		t.Errorf("memories = %+v", data.Memories)
	}
}

func TestDataUserProfile(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.selectRows = []map[string]any{{"id": "user-1", "display_name": "Ada", "timezone": "UTC"}}

	status, env := fx.do(t, http.MethodGet, "/v1/data?type=user", fx.token(t), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, error %+v", status, env.Error)
	}

	var data struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if data.User["display_name"] != "Ada" {
		t.Errorf("user = %v", data.User)
	}
}

func TestDataUserProfileMissingIs404(t *testing.T) {
	fx := newTestServer(t)
	fx.rows.selectRows = nil

	status, env := fx.do(t, http.MethodGet, "/v1/data?type=user", fx.token(t), nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestDataPageParamValidation(t *testing.T) {
	fx := newTestServer(t)

	for _, q := range []string{
		"type=history&limit=abc",
		"type=history&limit=0",
		"type=history&limit=-2",
		"type=history&offset=-1",
		"type=history&offset=x",
	} {
		status, _ := fx.do(t, http.MethodGet, "/v1/data?"+q, fx.token(t), nil)
		if status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, status)
		}
	}
}

func TestDataLimitIsCapped(t *testing.T) {
	fx := newTestServer(t)

	status, _ := fx.do(t, http.MethodGet, "/v1/data?type=history&limit=5000", fx.token(t), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if fx.history.gotLimit != dataPageMax {
		t.Errorf("limit = %d, want capped to %d", fx.history.gotLimit, dataPageMax)
	}
}
