package admin

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
)

func do(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func multipartPackage(t *testing.T, slug string, pkg []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if slug != "" {
		require.NoError(t, mw.WriteField("slug", slug))
	}
	if pkg != nil {
		fw, err := mw.CreateFormFile("package", slug+".zip")
		require.NoError(t, err)
		_, err = fw.Write(pkg)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHTTPModuleFlow(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	router := NewRouter(h.svc)

	body, ct := multipartPackage(t, "billing", billingPackage(t, "1.0.0", createInvoices))
	rec := do(t, router, http.MethodPost, "/modules", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"fresh":true`)

	rec = do(t, router, http.MethodGet, "/modules", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []ModuleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, modhost.InstallInstalled, views[0].InstallStatus)

	rec = do(t, router, http.MethodPost, "/modules/billing/setup", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/modules/billing/activate", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/modules/billing", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st ModuleStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, modhost.InstallActive, st.InstallStatus)
	assert.Len(t, st.Migrations, 2)

	rec = do(t, router, http.MethodGet, "/menus", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"module":"billing"`)

	rec = do(t, router, http.MethodPost, "/modules/billing/tenants/acme", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, http.MethodDelete, "/modules/billing/tenants/acme", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stoppedJobs":1`)

	rec = do(t, router, http.MethodDelete, "/modules/billing", bytes.NewBufferString(`{"confirm":"nope"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(modhost.CodeConfirmationMismatch), decodeError(t, rec).Code)

	rec = do(t, router, http.MethodDelete, "/modules/billing", bytes.NewBufferString(`{"confirm":"billing","dataRemoval":"full"}`), "application/json")
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/modules/billing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(modhost.CodeNotFound), decodeError(t, rec).Code)
}

func TestHTTPUploadErrors(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	router := NewRouter(h.svc)

	rec := do(t, router, http.MethodPost, "/modules", bytes.NewBufferString("raw"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(codeBadRequest), decodeError(t, rec).Code)

	body, ct := multipartPackage(t, "billing", nil)
	rec = do(t, router, http.MethodPost, "/modules", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartPackage(t, "billing", []byte("not a zip"))
	rec = do(t, router, http.MethodPost, "/modules", body, ct)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(modhost.CodeInstallSignature), decodeError(t, rec).Code)

	body, ct = multipartPackage(t, "crm", billingPackage(t, "1.0.0", createInvoices))
	rec = do(t, router, http.MethodPost, "/modules", body, ct)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(modhost.CodeInstallStructure), decodeError(t, rec).Code)
}

func TestHTTPForbiddenWithoutFileOperations(t *testing.T) {
	h := newHarness(t, Config{})
	router := NewRouter(h.svc)

	body, ct := multipartPackage(t, "billing", billingPackage(t, "1.0.0", createInvoices))
	rec := do(t, router, http.MethodPost, "/modules", body, ct)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(modhost.CodeOperationForbidden), decodeError(t, rec).Code)

	rec = do(t, router, http.MethodPost, "/modules/billing/reload", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTPMalformedUninstallBody(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	router := NewRouter(h.svc)
	rec := do(t, router, http.MethodDelete, "/modules/billing", bytes.NewBufferString("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Content-Type"), "application/json"))
}

func TestStatusFor(t *testing.T) {
	cases := map[goerrors.ErrorCode]int{
		modhost.CodeNotFound:             http.StatusNotFound,
		modhost.CodeOperationForbidden:   http.StatusForbidden,
		modhost.CodeInstallInProgress:    http.StatusConflict,
		modhost.CodeDependency:           http.StatusConflict,
		modhost.CodeConfirmationMismatch: http.StatusBadRequest,
		modhost.CodeValidation:           http.StatusUnprocessableEntity,
		modhost.CodeInstallUnsafeEntry:   http.StatusUnprocessableEntity,
		modhost.CodeMigration:            http.StatusInternalServerError,
		codeInternal:                     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}
