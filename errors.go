package modhost

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// Registry and runtime errors
var (
	ErrModuleNotRegistered     = errors.New("module not registered")
	ErrModuleAlreadyRegistered = errors.New("module already registered")
	ErrInvalidTransition       = errors.New("invalid module status transition")
	ErrInvalidInitialStatus    = errors.New("module must be registered as loading or disabled")
	ErrDescriptorNil           = errors.New("descriptor is nil")
	ErrFactoryNil              = errors.New("plugin factory is nil")
	ErrFactoryAlreadyExists    = errors.New("plugin factory already registered")
	ErrManifestNotFound        = errors.New("module manifest not found")
	ErrUnknownEvent            = errors.New("unknown lifecycle event")
	ErrListenerNil             = errors.New("listener cannot be nil")
	ErrJobsUnavailable         = errors.New("job scheduler not configured")
)

// Error codes carried by every structured failure the runtime reports. The
// code is the machine-readable reason; the user message is the human one.
const (
	CodeValidation    goerrors.ErrorCode = "MODULE_VALIDATION"
	CodeDependency    goerrors.ErrorCode = "MODULE_DEPENDENCY"
	CodeCompatibility goerrors.ErrorCode = "MODULE_COMPATIBILITY"
	CodeBoot          goerrors.ErrorCode = "MODULE_BOOT"
	CodeShutdown      goerrors.ErrorCode = "MODULE_SHUTDOWN"

	CodeInstallSignature    goerrors.ErrorCode = "MODULE_INSTALL_SIGNATURE"
	CodeInstallStructure    goerrors.ErrorCode = "MODULE_INSTALL_STRUCTURE"
	CodeInstallUnsafeEntry  goerrors.ErrorCode = "MODULE_INSTALL_UNSAFE_ENTRY"
	CodeInstallStaging      goerrors.ErrorCode = "MODULE_INSTALL_STAGING"
	CodeInstallInProgress   goerrors.ErrorCode = "MODULE_INSTALL_IN_PROGRESS"
	CodeInstallRegistration goerrors.ErrorCode = "MODULE_INSTALL_REGISTRATION"

	CodeMigration goerrors.ErrorCode = "MODULE_MIGRATION"

	CodeNotFound             goerrors.ErrorCode = "MODULE_NOT_FOUND"
	CodeInvalidState         goerrors.ErrorCode = "MODULE_INVALID_STATE"
	CodeOperationForbidden   goerrors.ErrorCode = "MODULE_OPERATION_FORBIDDEN"
	CodeConfirmationMismatch goerrors.ErrorCode = "MODULE_CONFIRMATION_MISMATCH"
)

// FieldViolation names one descriptor field that failed validation.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v FieldViolation) String() string {
	return v.Field + ": " + v.Message
}

// NewValidationError reports every violated field of a descriptor at once.
func NewValidationError(slug string, violations []FieldViolation) *goerrors.Error {
	fields := make([]string, 0, len(violations))
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, v.Field)
		parts = append(parts, v.String())
	}
	return goerrors.New(CodeValidation, fmt.Sprintf("module %q failed validation: %s", slug, strings.Join(parts, "; "))).
		WithUserMessage("The module descriptor is invalid: " + strings.Join(parts, "; ")).
		WithContext("module", slug).
		WithContext("fields", fields).
		WithSeverity("error")
}

// MissingDependency is a dependent/dependency pair whose target is absent.
type MissingDependency struct {
	Dependent  string
	Dependency string
}

// NewMissingDependencyError names every dependent together with the
// dependency it could not find.
func NewMissingDependencyError(missing []MissingDependency) *goerrors.Error {
	parts := make([]string, 0, len(missing))
	modules := make([]string, 0, len(missing))
	for _, m := range missing {
		parts = append(parts, fmt.Sprintf("%s -> %s", m.Dependent, m.Dependency))
		modules = append(modules, m.Dependent)
	}
	return goerrors.New(CodeDependency, "missing module dependencies: "+strings.Join(parts, ", ")).
		WithUserMessage("One or more modules depend on modules that are not available").
		WithContext("reason", "missing").
		WithContext("modules", modules).
		WithContext("missing", parts).
		WithSeverity("error")
}

// NewCycleError lists every module that takes part in a dependency cycle.
func NewCycleError(members []string) *goerrors.Error {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return goerrors.New(CodeDependency, "circular module dependency: "+strings.Join(sorted, ", ")).
		WithUserMessage("Modules form a dependency cycle and cannot be ordered").
		WithContext("reason", "cycle").
		WithContext("modules", sorted).
		WithSeverity("error")
}

// NewInactiveDependencyError is raised when a module is about to boot while
// one of its dependencies is not active.
func NewInactiveDependencyError(slug, dependency string) *goerrors.Error {
	return goerrors.New(CodeDependency, fmt.Sprintf("module %q requires %q which is not active", slug, dependency)).
		WithUserMessage("A required module is not active").
		WithContext("reason", "inactive").
		WithContext("modules", []string{slug}).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

// NewActiveDependentsError is raised when deactivating a module that other
// active modules still depend on.
func NewActiveDependentsError(slug string, dependents []string) *goerrors.Error {
	return goerrors.New(CodeDependency, fmt.Sprintf("module %q is required by active modules: %s", slug, strings.Join(dependents, ", "))).
		WithUserMessage("Deactivate the dependent modules first").
		WithContext("reason", "dependents").
		WithContext("modules", dependents).
		WithSeverity("error")
}

func NewCompatibilityError(slug, required, host string) *goerrors.Error {
	return goerrors.New(CodeCompatibility, fmt.Sprintf("module %q requires host %s, running %s", slug, required, host)).
		WithUserMessage("The module is not compatible with this host version").
		WithContext("module", slug).
		WithContext("required", required).
		WithContext("host", host).
		WithSeverity("error")
}

func NewBootError(slug string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, CodeBoot, fmt.Sprintf("module %q failed to boot: %v", slug, cause)).
		WithUserMessage("The module failed to start").
		WithContext("module", slug).
		WithSeverity("error")
}

func NewShutdownError(slug string, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, CodeShutdown, fmt.Sprintf("module %q failed to shut down: %v", slug, cause)).
		WithUserMessage("The module did not shut down cleanly").
		WithContext("module", slug).
		WithSeverity("warning")
}

// NewInstallError builds an installer failure. code must be one of the
// MODULE_INSTALL_* codes.
func NewInstallError(code goerrors.ErrorCode, slug, message string, cause error) *goerrors.Error {
	var e *goerrors.Error
	if cause != nil {
		e = goerrors.Wrap(cause, code, fmt.Sprintf("install %q: %s: %v", slug, message, cause))
	} else {
		e = goerrors.New(code, fmt.Sprintf("install %q: %s", slug, message))
	}
	return e.WithUserMessage(message).
		WithContext("module", slug).
		WithSeverity("error")
}

// NewMigrationError reports which script failed and how many scripts of the
// same run succeeded before it.
func NewMigrationError(slug, scriptType, script string, succeeded int, cause error) *goerrors.Error {
	return goerrors.Wrap(cause, CodeMigration, fmt.Sprintf("%s %s/%s failed after %d successful scripts: %v", scriptType, slug, script, succeeded, cause)).
		WithUserMessage(fmt.Sprintf("Script %s failed; %d scripts were applied before it", script, succeeded)).
		WithContext("module", slug).
		WithContext("type", scriptType).
		WithContext("script", script).
		WithContext("succeeded", succeeded).
		WithSeverity("error")
}

func NewNotFoundError(slug string) *goerrors.Error {
	return goerrors.New(CodeNotFound, fmt.Sprintf("module %q not found", slug)).
		WithUserMessage("The module does not exist").
		WithContext("module", slug).
		WithSeverity("error")
}

func NewInvalidStateError(slug, state, operation string) *goerrors.Error {
	return goerrors.New(CodeInvalidState, fmt.Sprintf("cannot %s module %q in state %s", operation, slug, state)).
		WithUserMessage(fmt.Sprintf("The module cannot be %s in its current state", operation)).
		WithContext("module", slug).
		WithContext("state", state).
		WithSeverity("error")
}

// NewOperationForbiddenError is returned for file-mutating operations while
// they are switched off by configuration.
func NewOperationForbiddenError(operation string) *goerrors.Error {
	return goerrors.New(CodeOperationForbidden, fmt.Sprintf("%s is disabled; set allow_file_operations to enable it", operation)).
		WithUserMessage("File operations are disabled on this host").
		WithContext("operation", operation).
		WithSeverity("warning")
}

func NewConfirmationMismatchError(slug, confirm string) *goerrors.Error {
	return goerrors.New(CodeConfirmationMismatch, fmt.Sprintf("confirmation %q does not match module %q", confirm, slug)).
		WithUserMessage("Type the module name to confirm").
		WithContext("module", slug).
		WithSeverity("warning")
}

// CodeOf extracts the structured error code from err, or "" when err does not
// carry one.
func CodeOf(err error) goerrors.ErrorCode {
	var e *goerrors.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given structured code.
func HasCode(err error, code goerrors.ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ContextValue returns a context entry attached to a structured error.
func ContextValue(err error, key string) (any, bool) {
	var e *goerrors.Error
	if !errors.As(err, &e) || e.Context == nil {
		return nil, false
	}
	v, ok := e.Context[key]
	return v, ok
}

// UserMessageOf returns the human message of a structured error, falling back
// to err.Error().
func UserMessageOf(err error) string {
	var e *goerrors.Error
	if errors.As(err, &e) {
		if msg := e.UserMessage(); msg != "" {
			return msg
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
