package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modhost"
)

const (
	codeBadRequest goerrors.ErrorCode = "MODULE_BAD_REQUEST"
	codeInternal   goerrors.ErrorCode = "MODULE_INTERNAL"
)

// maxUploadMemory is the part of a multipart upload kept in memory; the
// rest is spooled to disk by net/http.
const maxUploadMemory = 32 << 20

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type uninstallRequest struct {
	Confirm     string      `json:"confirm"`
	DataRemoval DataRemoval `json:"dataRemoval"`
}

// statusFor maps an error code to the HTTP status it is answered with.
func statusFor(code goerrors.ErrorCode) int {
	switch code {
	case modhost.CodeNotFound:
		return http.StatusNotFound
	case modhost.CodeOperationForbidden:
		return http.StatusForbidden
	case modhost.CodeInstallInProgress, modhost.CodeInvalidState, modhost.CodeDependency:
		return http.StatusConflict
	case modhost.CodeConfirmationMismatch, codeBadRequest:
		return http.StatusBadRequest
	case modhost.CodeValidation, modhost.CodeCompatibility,
		modhost.CodeInstallSignature, modhost.CodeInstallStructure, modhost.CodeInstallUnsafeEntry:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := modhost.CodeOf(err)
	if code == "" {
		code = codeInternal
	}
	writeJSON(w, statusFor(code), ErrorBody{Code: string(code), Message: modhost.UserMessageOf(err)})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Code: string(codeBadRequest), Message: message})
}

// NewRouter exposes svc over HTTP.
func NewRouter(svc *Service) http.Handler {
	h := &handler{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.upload)
		r.Route("/{slug}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Delete("/", h.uninstall)
			r.Post("/activate", simple(svc.Activate))
			r.Post("/deactivate", simple(svc.Deactivate))
			r.Post("/migrate", h.migrate)
			r.Post("/seed", h.seed)
			r.Post("/setup", h.setup)
			r.Post("/reload", simple(svc.Reload))
			r.Post("/tenants/{tenant}", h.enableTenant)
			r.Delete("/tenants/{tenant}", h.disableTenant)
		})
	})

	if svc.contributions != nil {
		r.Get("/menus", h.menus)
		r.Get("/widgets", h.widgets)
		r.Get("/permissions", h.permissions)
	}
	return r
}

type handler struct {
	svc *Service
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.svc.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		badRequest(w, "expected a multipart form with a package file")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("package")
	if err != nil {
		badRequest(w, "the package file is missing")
		return
	}
	defer file.Close()

	res, err := h.svc.Upload(r.Context(), r.FormValue("slug"), file)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Fresh {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"slug":        res.Descriptor.Slug,
		"version":     res.Descriptor.Version,
		"fresh":       res.Fresh,
		"hasBackend":  res.HasBackend,
		"hasFrontend": res.HasFrontend,
		"files":       res.Files,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) uninstall(w http.ResponseWriter, r *http.Request) {
	var req uninstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "the request body is not valid JSON")
		return
	}
	if err := h.svc.Uninstall(r.Context(), chi.URLParam(r, "slug"), req.Confirm, req.DataRemoval); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// simple serves a service call that only reports an error.
func simple(fn func(ctx context.Context, slug string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")
		if err := fn(r.Context(), slug); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"slug": slug})
	}
}

func (h *handler) migrate(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RunMigrations(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) seed(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RunSeeds(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) setup(w http.ResponseWriter, r *http.Request) {
	reports, err := h.svc.Setup(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *handler) enableTenant(w http.ResponseWriter, r *http.Request) {
	slug, tenant := chi.URLParam(r, "slug"), chi.URLParam(r, "tenant")
	if err := h.svc.EnableForTenant(r.Context(), slug, tenant); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slug": slug, "tenant": tenant, "enabled": true})
}

func (h *handler) disableTenant(w http.ResponseWriter, r *http.Request) {
	slug, tenant := chi.URLParam(r, "slug"), chi.URLParam(r, "tenant")
	stopped, err := h.svc.DeactivateForTenant(r.Context(), slug, tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slug": slug, "tenant": tenant, "enabled": false, "stoppedJobs": stopped})
}

func (h *handler) menus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.contributions.Menus())
}

func (h *handler) widgets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.contributions.Widgets())
}

func (h *handler) permissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.contributions.Permissions())
}
