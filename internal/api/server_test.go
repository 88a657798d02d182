package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	blobmem "vialcounter/internal/blob/memory"
	"vialcounter/internal/detect"
	"vialcounter/internal/proposal"
	resmem "vialcounter/internal/results/memory"
	"vialcounter/internal/service"
)

type stubDetector struct {
	det detect.Detection
	err error
}

func (d *stubDetector) Detect(context.Context, []byte) (detect.Detection, error) {
	return d.det, d.err
}

type stubCache struct {
	m      map[string]proposal.Proposal
	nextID int
}

func (c *stubCache) Put(_ context.Context, p proposal.Proposal) (string, error) {
	c.nextID++
	id := fmt.Sprintf("prop-%d", c.nextID)
	c.m[id] = p
	return id, nil
}

func (c *stubCache) Take(_ context.Context, id string) (proposal.Proposal, bool, error) {
	p, ok := c.m[id]
	delete(c.m, id)
	return p, ok, nil
}

var testAllowed = []string{"image/jpeg", "image/png"}

func newTestServer(det detect.Detector, cache proposal.Cache, opts Options) *Server {
	svc := service.New(blobmem.New(), resmem.New(), det, cache, nil, service.Options{AllowedTypes: testAllowed})
	return New(svc, opts)
}

func pngUpload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func trayForm(t *testing.T, img []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if img != nil {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="image"; filename="tray.png"`)
		hdr.Set("Content-Type", "image/png")
		part, err := w.CreatePart(hdr)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(img); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func defaultFields() map[string]string {
	return map[string]string{
		"expectedCount": "20",
		"lotId":         "L-1",
		"orderNumber":   "O-1",
		"trayNumber":    "T-1",
	}
}

func TestProcessImageEndpoint(t *testing.T) {
	srv := newTestServer(&stubDetector{det: detect.Detection{Count: 18}}, nil, Options{})

	body, ctype := trayForm(t, pngUpload(t), defaultFields())
	req := httptest.NewRequest(http.MethodPost, "/process-image", body)
	req.Header.Set("Content-Type", ctype)
	rec := do(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CountedVials != 18 || resp.Percentage != 90 {
		t.Fatalf("resp = %+v", resp)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.OriginalImageBase64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatalf("original payload is not jpeg: %v", err)
	}
	if resp.ProposalID != "" {
		t.Fatal("proposal_id present without a cache")
	}
}

func TestProcessImageValidationErrors(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	cases := []struct {
		name   string
		img    []byte
		mutate func(map[string]string)
	}{
		{"missing file", nil, func(map[string]string) {}},
		{"bad expected count", pngUpload(t), func(f map[string]string) { f["expectedCount"] = "many" }},
		{"zero expected count", pngUpload(t), func(f map[string]string) { f["expectedCount"] = "0" }},
		{"blank lot", pngUpload(t), func(f map[string]string) { f["lotId"] = " " }},
	}
	for _, tc := range cases {
		fields := defaultFields()
		tc.mutate(fields)
		body, ctype := trayForm(t, tc.img, fields)
		req := httptest.NewRequest(http.MethodPost, "/process-image", body)
		req.Header.Set("Content-Type", ctype)
		rec := do(srv, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, body = %s", tc.name, rec.Code, rec.Body.String())
			continue
		}
		var e errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
			t.Errorf("%s: decode: %v", tc.name, err)
			continue
		}
		if e.Error != "invalid request" || e.Details == "" {
			t.Errorf("%s: body = %+v", tc.name, e)
		}
	}
}

func TestProcessImageUpstreamFailure(t *testing.T) {
	srv := newTestServer(&stubDetector{err: fmt.Errorf("connection refused")}, nil, Options{})

	body, ctype := trayForm(t, pngUpload(t), defaultFields())
	req := httptest.NewRequest(http.MethodPost, "/process-image", body)
	req.Header.Set("Content-Type", ctype)
	rec := do(srv, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var e errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != "detection service unavailable" {
		t.Fatalf("error = %q", e.Error)
	}
}

func TestBodyLimitReturns413(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{MaxUploadBytes: 128})

	body, ctype := trayForm(t, bytes.Repeat([]byte{0x89}, 4096), defaultFields())
	req := httptest.NewRequest(http.MethodPost, "/process-image", body)
	req.Header.Set("Content-Type", ctype)
	rec := do(srv, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	var e errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(e.Error, "size limit") {
		t.Fatalf("error = %q", e.Error)
	}
}

func TestSaveResultAndListRoundTrip(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	payload := map[string]any{
		"original_image_base64":  "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("orig")),
		"processed_image_base64": base64.StdEncoding.EncodeToString([]byte("proc")),
		"countedVials":           18,
		"percentage":             90.0,
		"lot_id":                 "L-1",
		"order_number":           "O-1",
		"tray_number":            "T-1",
	}
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/save-result", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := do(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view service.ResultView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID == 0 || !view.Approved || view.CountedVials != 18 {
		t.Fatalf("view = %+v", view)
	}
	if !strings.HasPrefix(view.OriginalImageURL, "memory://before/") {
		t.Fatalf("original url = %q", view.OriginalImageURL)
	}

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/all-results", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var page service.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Results) != 1 || page.NextCursor != nil {
		t.Fatalf("page = %+v", page)
	}
}

func TestSaveResultMalformedBase64(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	raw := []byte(`{"original_image_base64":"!!not base64!!","processed_image_base64":"YQ=="}`)
	req := httptest.NewRequest(http.MethodPost, "/save-result", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := do(srv, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSaveResultUnknownProposal(t *testing.T) {
	cache := &stubCache{m: map[string]proposal.Proposal{}}
	srv := newTestServer(&stubDetector{}, cache, Options{})

	raw := []byte(`{"proposal_id":"prop-404"}`)
	req := httptest.NewRequest(http.MethodPost, "/save-result", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := do(srv, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAllResultsRejectsBadCursor(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/all-results?cursor=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAllResultsPaginates(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"original_image_base64":%q,"processed_image_base64":%q,"countedVials":%d}`,
			base64.StdEncoding.EncodeToString([]byte("o")),
			base64.StdEncoding.EncodeToString([]byte("p")), i)
		req := httptest.NewRequest(http.MethodPost, "/save-result", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if rec := do(srv, req); rec.Code != http.StatusOK {
			t.Fatalf("seed %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/all-results?limit=2", nil))
	var page service.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Results) != 2 || page.NextCursor == nil || *page.NextCursor != 2 {
		t.Fatalf("page = %+v", page)
	}

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/all-results?cursor=2&limit=2", nil))
	page = service.Page{}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Results) != 1 || page.NextCursor != nil {
		t.Fatalf("last page = %+v", page)
	}
}

func TestSweepOrphansEndpoint(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	rec := do(srv, httptest.NewRequest(http.MethodPost, "/admin/sweep-orphans", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report service.SweepReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.DryRun {
		t.Fatal("sweep should default to dry run")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubDetector{}, nil, Options{})

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
