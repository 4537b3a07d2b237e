package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/havenpath/chat-backend/internal/crm"
	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/services"
)

type fakeCRM struct {
	startAuthFn    func(ctx context.Context, propertyID string) (string, error)
	completeAuthFn func(ctx context.Context, state, code string) error
	statusFn       func(ctx context.Context, propertyID string) (crm.Status, error)
	disconnectFn   func(ctx context.Context, propertyID string) error
}

func (f *fakeCRM) StartAuthorization(ctx context.Context, propertyID string) (string, error) {
	if f.startAuthFn != nil {
		return f.startAuthFn(ctx, propertyID)
	}
	return "", nil
}

func (f *fakeCRM) CompleteAuthorization(ctx context.Context, state, code string) error {
	if f.completeAuthFn != nil {
		return f.completeAuthFn(ctx, state, code)
	}
	return nil
}

func (f *fakeCRM) ConnectionStatus(ctx context.Context, propertyID string) (crm.Status, error) {
	if f.statusFn != nil {
		return f.statusFn(ctx, propertyID)
	}
	return crm.Status{}, nil
}

func (f *fakeCRM) Disconnect(ctx context.Context, propertyID string) error {
	if f.disconnectFn != nil {
		return f.disconnectFn(ctx, propertyID)
	}
	return nil
}

type fakeExporter struct {
	exportFn func(ctx context.Context, conversationID, exportType string) (*domain.ExportRecord, error)
	batchFn  func(ctx context.Context, visitorIDs []string) services.BatchResult
}

func (f *fakeExporter) ExportConversation(ctx context.Context, conversationID, exportType string) (*domain.ExportRecord, error) {
	if f.exportFn != nil {
		return f.exportFn(ctx, conversationID, exportType)
	}
	return nil, nil
}

func (f *fakeExporter) BatchExport(ctx context.Context, visitorIDs []string) services.BatchResult {
	if f.batchFn != nil {
		return f.batchFn(ctx, visitorIDs)
	}
	return services.BatchResult{}
}

func newCRMRouter(facade *fakeCRM, exporter *fakeExporter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(&fakeConvSvc{}, &fakeProfileSvc{}, facade, exporter, nil)

	r := gin.New()
	r.POST("/properties/:id/crm/connect", h.ConnectCRM)
	r.GET("/crm/callback", h.CRMCallback)
	r.GET("/properties/:id/crm/status", h.CRMStatus)
	r.DELETE("/properties/:id/crm", h.DisconnectCRM)
	r.POST("/conversations/:id/export", h.ExportConversation)
	r.POST("/crm/batch-export", h.BatchExport)
	return r
}

func TestConnectCRM(t *testing.T) {
	propID := uuid.NewString()
	facade := &fakeCRM{
		startAuthFn: func(ctx context.Context, id string) (string, error) {
			if id != propID {
				t.Fatalf("property id = %q", id)
			}
			return "https://login.example.com/authorize?state=abc", nil
		},
	}
	r := newCRMRouter(facade, &fakeExporter{})

	w := doJSON(t, r, http.MethodPost, "/properties/"+propID+"/crm/connect", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp ConnectCRMResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.HasPrefix(resp.AuthorizeURL, "https://login.example.com/authorize") {
		t.Fatalf("authorize url = %q", resp.AuthorizeURL)
	}

	w = doJSON(t, r, http.MethodPost, "/properties/not-a-uuid/crm/connect", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad property id: status=%d", w.Code)
	}
}

func TestCRMCallback_StateOutcomes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"connected", nil, http.StatusOK},
		{"replayed", crm.ErrStateAlreadyUsed, http.StatusConflict},
		{"malformed", crm.ErrBadState, http.StatusBadRequest},
		{"mismatch", crm.ErrStateMismatch, http.StatusBadRequest},
		{"expired", crm.ErrStateExpired, http.StatusBadRequest},
		{"exchange failed", errors.New("token endpoint 500"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			facade := &fakeCRM{
				completeAuthFn: func(ctx context.Context, state, code string) error {
					if state != "st-1" || code != "authcode" {
						t.Fatalf("args: %q %q", state, code)
					}
					return tc.err
				},
			}
			r := newCRMRouter(facade, &fakeExporter{})
			w := doJSON(t, r, http.MethodGet, "/crm/callback?state=st-1&code=authcode", "", nil)
			if w.Code != tc.want {
				t.Fatalf("status=%d want=%d", w.Code, tc.want)
			}
			// Token material must never leak into an error body.
			if tc.err != nil && strings.Contains(w.Body.String(), "authcode") {
				t.Fatalf("code echoed in body: %s", w.Body.String())
			}
		})
	}

	r := newCRMRouter(&fakeCRM{}, &fakeExporter{})
	w := doJSON(t, r, http.MethodGet, "/crm/callback?state=st-1", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing code: status=%d", w.Code)
	}
}

func TestCRMStatusAndDisconnect(t *testing.T) {
	propID := uuid.NewString()
	facade := &fakeCRM{
		statusFn: func(ctx context.Context, id string) (crm.Status, error) {
			return crm.Status{Connected: true, InstanceURL: "https://instance.example.com"}, nil
		},
	}
	r := newCRMRouter(facade, &fakeExporter{})

	w := doJSON(t, r, http.MethodGet, "/properties/"+propID+"/crm/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var st crm.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !st.Connected || st.InstanceURL == "" {
		t.Fatalf("status body: %+v", st)
	}

	var disconnected string
	facade.disconnectFn = func(ctx context.Context, id string) error {
		disconnected = id
		return nil
	}
	w = doJSON(t, r, http.MethodDelete, "/properties/"+propID+"/crm", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("disconnect: status=%d", w.Code)
	}
	if disconnected != propID {
		t.Fatalf("disconnected=%q", disconnected)
	}
}

func TestExportConversation(t *testing.T) {
	convID := uuid.NewString()
	rec := &domain.ExportRecord{ID: uuid.NewString(), ConversationID: convID, CRMRecordID: "crm-001"}

	exporter := &fakeExporter{
		exportFn: func(ctx context.Context, id, exportType string) (*domain.ExportRecord, error) {
			if exportType != domain.ExportManual {
				t.Fatalf("export type = %q", exportType)
			}
			return rec, nil
		},
	}
	r := newCRMRouter(&fakeCRM{}, exporter)

	w := doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/export", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	exporter.exportFn = func(ctx context.Context, id, exportType string) (*domain.ExportRecord, error) {
		return nil, crm.ErrNotConnected
	}
	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/export", "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("not connected: status=%d", w.Code)
	}

	exporter.exportFn = func(ctx context.Context, id, exportType string) (*domain.ExportRecord, error) {
		return nil, services.ErrConversationNotFound
	}
	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/export", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: status=%d", w.Code)
	}

	exporter.exportFn = func(ctx context.Context, id, exportType string) (*domain.ExportRecord, error) {
		return nil, errors.New("crm 503")
	}
	w = doJSON(t, r, http.MethodPost, "/conversations/"+convID+"/export", "", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("crm failure: status=%d", w.Code)
	}
}

func TestBatchExport(t *testing.T) {
	exporter := &fakeExporter{
		batchFn: func(ctx context.Context, ids []string) services.BatchResult {
			return services.BatchResult{Exported: 2, Total: 3, Errors: []string{"v3: no lead fields"}}
		},
	}
	r := newCRMRouter(&fakeCRM{}, exporter)

	w := doJSON(t, r, http.MethodPost, "/crm/batch-export", `{"visitor_ids":["v1","v2","v3"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var res services.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Exported != 2 || res.Total != 3 || len(res.Errors) != 1 {
		t.Fatalf("result: %+v", res)
	}

	w = doJSON(t, r, http.MethodPost, "/crm/batch-export", `{"visitor_ids":[]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty ids: status=%d", w.Code)
	}
}
