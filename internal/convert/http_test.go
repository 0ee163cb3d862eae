package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func testRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

type stubUploadConverter struct {
	result *Result
	err    error
}

func (s *stubUploadConverter) ConvertUpload(context.Context, *multipart.FileHeader) (*Result, error) {
	return s.result, s.err
}

type stubSpooler struct {
	input    Input
	spoolErr error
	discards int
}

func (s *stubSpooler) SpoolUpload(context.Context, *multipart.FileHeader) (Input, error) {
	if s.spoolErr != nil {
		return Input{}, s.spoolErr
	}
	return s.input, nil
}

func (s *stubSpooler) Discard(Input) error {
	s.discards++
	return nil
}

type stubScheduler struct {
	id       string
	conflict bool
	err      error

	gotJobID string
}

func (s *stubScheduler) Schedule(_ context.Context, _ Input, jobID string) (string, bool, error) {
	s.gotJobID = jobID
	return s.id, s.conflict, s.err
}

// multipartBody は file フィールド1つと任意の追加フィールドを持つ
// multipart ボディを組み立てます。
func multipartBody(t *testing.T, fileField, filename string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("%PDF-1.4 test payload")); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return payload
}

func TestSyncConvertHandlerSuccess(t *testing.T) {
	svc := &stubUploadConverter{result: &Result{Filename: "doc.pdf", Pages: 3}}
	router := testRouter()
	router.POST("/api/convert", SyncConvertHandler(svc))

	body, contentType := multipartBody(t, "file", "doc.pdf", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/convert", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	payload := decodeJSON(t, w)
	if payload["status"] != "success" || payload["filename"] != "doc.pdf" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestSyncConvertHandlerMissingFile(t *testing.T) {
	svc := &stubUploadConverter{result: &Result{}}
	router := testRouter()
	router.POST("/api/convert", SyncConvertHandler(svc))

	body, contentType := multipartBody(t, "", "", map[string]string{"note": "no file"})
	req := httptest.NewRequest(http.MethodPost, "/api/convert", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body: %s)", w.Code, w.Body.String())
	}
	if payload := decodeJSON(t, w); payload["code"] != CodeInvalidInput {
		t.Fatalf("code = %v, want INVALID_INPUT", payload["code"])
	}
}

func TestSyncConvertHandlerUnsupportedFile(t *testing.T) {
	svc := &stubUploadConverter{err: newError(CodeUnsupportedFile, "PDFファイルのみ受け付けます。", nil)}
	router := testRouter()
	router.POST("/api/convert", SyncConvertHandler(svc))

	body, contentType := multipartBody(t, "file", "notes.txt", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/convert", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415 (body: %s)", w.Code, w.Body.String())
	}
	if payload := decodeJSON(t, w); payload["code"] != CodeUnsupportedFile {
		t.Fatalf("code = %v, want UNSUPPORTED_FILE", payload["code"])
	}
}

func TestAsyncConvertHandlerAccepted(t *testing.T) {
	spooler := &stubSpooler{input: Input{Filename: "doc.pdf", Path: "/tmp/doc.pdf", SpoolID: "s1"}}
	scheduler := &stubScheduler{id: "job-123"}
	router := testRouter()
	router.POST("/api/convert/async", AsyncConvertHandler(spooler, scheduler))

	body, contentType := multipartBody(t, "file", "doc.pdf", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/convert/async", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
	}
	if payload := decodeJSON(t, w); payload["jobId"] != "job-123" {
		t.Fatalf("jobId = %v, want job-123", payload["jobId"])
	}
	if spooler.discards != 0 {
		t.Fatalf("discard called %d times on success, want 0", spooler.discards)
	}
}

func TestAsyncConvertHandlerForwardsClientJobID(t *testing.T) {
	spooler := &stubSpooler{input: Input{Filename: "doc.pdf", SpoolID: "s1"}}
	scheduler := &stubScheduler{id: "client-42"}
	router := testRouter()
	router.POST("/api/convert/async", AsyncConvertHandler(spooler, scheduler))

	body, contentType := multipartBody(t, "file", "doc.pdf", map[string]string{"jobId": "client-42"})
	req := httptest.NewRequest(http.MethodPost, "/api/convert/async", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", w.Code, w.Body.String())
	}
	if scheduler.gotJobID != "client-42" {
		t.Fatalf("scheduler received jobId %q, want client-42", scheduler.gotJobID)
	}
}

func TestAsyncConvertHandlerConflict(t *testing.T) {
	spooler := &stubSpooler{input: Input{Filename: "doc.pdf", SpoolID: "s1"}}
	scheduler := &stubScheduler{id: "dup-1", conflict: true}
	router := testRouter()
	router.POST("/api/convert/async", AsyncConvertHandler(spooler, scheduler))

	body, contentType := multipartBody(t, "file", "doc.pdf", map[string]string{"jobId": "dup-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/convert/async", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	payload := decodeJSON(t, w)
	if payload["jobId"] != "dup-1" || payload["conflict"] != true {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if spooler.discards != 1 {
		t.Fatalf("discard called %d times on conflict, want 1", spooler.discards)
	}
}

func TestAsyncConvertHandlerSchedulerError(t *testing.T) {
	spooler := &stubSpooler{input: Input{Filename: "doc.pdf", SpoolID: "s1"}}
	scheduler := &stubScheduler{err: context.DeadlineExceeded}
	router := testRouter()
	router.POST("/api/convert/async", AsyncConvertHandler(spooler, scheduler))

	body, contentType := multipartBody(t, "file", "doc.pdf", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/convert/async", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (body: %s)", w.Code, w.Body.String())
	}
	if spooler.discards != 1 {
		t.Fatalf("discard called %d times on scheduler error, want 1", spooler.discards)
	}
}

func TestAsyncConvertHandlerSpoolError(t *testing.T) {
	spooler := &stubSpooler{spoolErr: newError(CodeUnsupportedFile, "PDFファイルのみ受け付けます。", nil)}
	scheduler := &stubScheduler{id: "never"}
	router := testRouter()
	router.POST("/api/convert/async", AsyncConvertHandler(spooler, scheduler))

	body, contentType := multipartBody(t, "file", "image.png", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/convert/async", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415 (body: %s)", w.Code, w.Body.String())
	}
	if scheduler.gotJobID != "" {
		t.Fatal("scheduler was called despite spool failure")
	}
}
