package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"docsign.org/internal/artifact"
	"docsign.org/internal/auth"
	"docsign.org/internal/delivery"
	"docsign.org/internal/signing"
	"docsign.org/internal/stream"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []delivery.Task
}

func (q *recordingQueue) Enqueue(t delivery.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

type stubAssembler struct{}

func (stubAssembler) Assemble(pages []signing.PageImage) ([]byte, error) {
	return []byte("%PDF-stub"), nil
}

type apiClient struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func newTestAPI(t *testing.T) (*httptest.Server, *recordingQueue) {
	t.Helper()
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	queue := &recordingQueue{}
	engine := signing.NewEngine(signing.NewMemoryStore(), queue, stubAssembler{},
		signing.WithArtifacts(artifact.NewMemory()),
		signing.WithBaseURL("https://sign.example.com"),
	)
	api := New(Options{
		Version:    "test",
		Engine:     engine,
		Auth:       auth.NewService(auth.NewMemoryUserStore(), tokens),
		Stream:     stream.New(),
		RateBurst:  1000,
		RatePerSec: 1000,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, queue
}

func (c *apiClient) do(method, path string, body any) *http.Response {
	c.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rdr)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, want int) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, want, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func register(t *testing.T, srv *httptest.Server, email string) *apiClient {
	t.Helper()
	c := &apiClient{t: t, srv: srv}
	resp := c.do(http.MethodPost, "/v1/auth/register", map[string]string{
		"email": email, "name": "Owner", "password": "correct-horse",
	})
	tok := decode[tokenResponse](t, resp, http.StatusCreated)
	if tok.Token == "" {
		t.Fatal("empty token")
	}
	c.token = tok.Token
	return c
}

func TestSigningFlowOverHTTP(t *testing.T) {
	srv, queue := newTestAPI(t)
	owner := register(t, srv, "owner@example.com")

	doc := decode[signing.Document](t, owner.do(http.MethodPost, "/v1/documents", map[string]any{
		"name":  "Lease Agreement",
		"pages": []map[string]any{{"pageNumber": 1, "imageUrl": "data:image/png;base64,AA==", "width": 10, "height": 10}},
	}), http.StatusCreated)
	if doc.Status != signing.DocumentDraft {
		t.Fatalf("status = %s", doc.Status)
	}

	sent := decode[struct {
		Success           bool                       `json:"success"`
		SignatureRequests []signing.SignatureRequest `json:"signatureRequests"`
	}](t, owner.do(http.MethodPost, "/v1/documents/"+doc.ID+"/send-for-signature", map[string]any{
		"recipients": []map[string]string{{"email": "signer@example.com", "name": "Signer"}},
	}), http.StatusOK)
	if !sent.Success || len(sent.SignatureRequests) != 1 {
		t.Fatalf("unexpected send response %+v", sent)
	}
	token := sent.SignatureRequests[0].AccessToken

	signer := &apiClient{t: t, srv: srv}
	view := decode[signing.SignerView](t, signer.do(http.MethodGet, "/v1/sign/"+token, nil), http.StatusOK)
	if view.Document.ID != doc.ID || view.Request.Status != signing.RequestViewed {
		t.Fatalf("unexpected view %+v", view.Request)
	}

	res := decode[struct {
		Success   bool `json:"success"`
		AllSigned bool `json:"allSigned"`
	}](t, signer.do(http.MethodPost, "/v1/sign/"+token+"/submit", map[string]any{"fields": []any{}}), http.StatusOK)
	if !res.Success || !res.AllSigned {
		t.Fatalf("unexpected submit response %+v", res)
	}

	resp := owner.do(http.MethodGet, "/v1/documents/"+doc.ID+"/pdf", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pdf status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "Lease_Agreement_signed.pdf") {
		t.Fatalf("content disposition = %q", cd)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.tasks) != 2 {
		t.Fatalf("expected link and completion tasks, got %d", len(queue.tasks))
	}
}

func TestDocumentAccessControl(t *testing.T) {
	srv, _ := newTestAPI(t)
	owner := register(t, srv, "owner@example.com")
	other := register(t, srv, "other@example.com")

	doc := decode[signing.Document](t, owner.do(http.MethodPost, "/v1/documents", map[string]any{"name": "Private"}), http.StatusCreated)

	anon := &apiClient{t: t, srv: srv}
	cases := []struct {
		name   string
		client *apiClient
		method string
		path   string
		body   any
		want   int
	}{
		{"no token", anon, http.MethodGet, "/v1/documents", nil, http.StatusUnauthorized},
		{"bad token", &apiClient{t: t, srv: srv, token: "junk"}, http.MethodGet, "/v1/documents", nil, http.StatusUnauthorized},
		{"other owner", other, http.MethodGet, "/v1/documents/" + doc.ID, nil, http.StatusForbidden},
		{"missing", owner, http.MethodGet, "/v1/documents/nope", nil, http.StatusNotFound},
		{"no recipients", owner, http.MethodPost, "/v1/documents/" + doc.ID + "/send-for-signature", map[string]any{"recipients": []any{}}, http.StatusBadRequest},
		{"not a template", owner, http.MethodPost, "/v1/templates/" + doc.ID + "/send", map[string]any{"recipients": []map[string]string{{"email": "a@example.com"}}}, http.StatusConflict},
		{"pdf before completion", owner, http.MethodGet, "/v1/documents/" + doc.ID + "/pdf", nil, http.StatusNotFound},
		{"unknown field", owner, http.MethodPost, "/v1/documents", map[string]any{"name": "x", "bogus": 1}, http.StatusBadRequest},
		{"unknown signing token", anon, http.MethodGet, "/v1/sign/not-a-token", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.client.t = t
			resp := tc.client.do(tc.method, tc.path, tc.body)
			body := decode[map[string]any](t, resp, tc.want)
			if body["error"] == nil {
				t.Fatalf("expected error body, got %v", body)
			}
			if body["request_id"] == nil {
				t.Fatalf("expected request_id, got %v", body)
			}
		})
	}
}

func TestTemplateSendOverHTTP(t *testing.T) {
	srv, queue := newTestAPI(t)
	owner := register(t, srv, "owner@example.com")

	tpl := decode[signing.Document](t, owner.do(http.MethodPost, "/v1/documents", map[string]any{
		"name":       "NDA",
		"isTemplate": true,
		"fields":     []map[string]any{{"id": "sig", "type": "signature", "pageNumber": 1, "role": "signer"}},
	}), http.StatusCreated)

	out := decode[struct {
		Success bool                   `json:"success"`
		Sent    []signing.FanoutResult `json:"sent"`
	}](t, owner.do(http.MethodPost, "/v1/templates/"+tpl.ID+"/send", map[string]any{
		"recipients": []map[string]string{
			{"email": "dave@example.com", "name": "Dave"},
			{"email": "not-an-email"},
		},
	}), http.StatusOK)
	if len(out.Sent) != 2 || out.Sent[0].Status != signing.FanoutSent || out.Sent[1].Status != signing.FanoutFailed {
		t.Fatalf("unexpected fan-out %+v", out.Sent)
	}

	list := decode[struct {
		Documents []signing.Document `json:"documents"`
	}](t, owner.do(http.MethodGet, "/v1/documents", nil), http.StatusOK)
	if len(list.Documents) != 2 {
		t.Fatalf("expected template and one instance, got %d", len(list.Documents))
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.tasks) != 1 {
		t.Fatalf("expected one signing link, got %d", len(queue.tasks))
	}
}

func TestLoginAndHealth(t *testing.T) {
	srv, _ := newTestAPI(t)
	register(t, srv, "owner@example.com")
	c := &apiClient{t: t, srv: srv}

	decode[map[string]any](t, c.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "owner@example.com", "password": "wrong-password",
	}), http.StatusUnauthorized)
	tok := decode[tokenResponse](t, c.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "OWNER@example.com", "password": "correct-horse",
	}), http.StatusOK)
	if tok.Token == "" || tok.Email != "owner@example.com" {
		t.Fatalf("unexpected login response %+v", tok)
	}

	health := decode[map[string]any](t, c.do(http.MethodGet, "/healthz", nil), http.StatusOK)
	if health["service"] != serviceName {
		t.Fatalf("unexpected health %v", health)
	}
	decode[map[string]any](t, c.do(http.MethodGet, "/readyz", nil), http.StatusOK)
}

func TestPDFFilename(t *testing.T) {
	cases := map[string]string{
		"Lease Agreement.pdf": "Lease_Agreement.pdf",
		"../../etc/passwd":    "etcpasswd.pdf",
		"":                    "document.pdf",
		"Договор":             "document.pdf",
	}
	for in, want := range cases {
		if got := pdfFilename(in); got != want {
			t.Errorf("pdfFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUploadStoresFileForOwner(t *testing.T) {
	srv, _ := newTestAPI(t)
	owner := register(t, srv, "owner@example.com")

	post := func(token string, withFile bool) *http.Response {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if withFile {
			fw, err := mw.CreateFormFile("file", "Signed Lease.pdf")
			if err != nil {
				t.Fatalf("CreateFormFile: %v", err)
			}
			_, _ = fw.Write([]byte("%PDF-1.4 lease"))
		} else {
			_ = mw.WriteField("note", "no file here")
		}
		_ = mw.Close()
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/uploads", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		return resp
	}

	up := decode[signing.Upload](t, post(owner.token, true), http.StatusCreated)
	if !strings.HasSuffix(up.Key, "-Signed_Lease.pdf") || up.ContentType != "application/pdf" || up.Size != 14 {
		t.Fatalf("unexpected upload %+v", up)
	}
	decode[map[string]any](t, post(owner.token, false), http.StatusBadRequest)
	decode[map[string]any](t, post("", true), http.StatusUnauthorized)
}
