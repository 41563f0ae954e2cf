package modhost

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/mod/semver"
)

var (
	slugPattern        = regexp.MustCompile(`^[a-z0-9-]+$`)
	packageNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,50}$`)
	strictSemver       = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ValidSlug reports whether s is a URL-safe module slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// canonical adds the "v" prefix golang.org/x/mod/semver expects.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// IsSemver reports whether v is a full MAJOR.MINOR.PATCH version, with or
// without a "v" prefix, pre-release or build metadata. Shorthands such as
// "1.0" are rejected.
func IsSemver(v string) bool {
	c := canonical(v)
	if !semver.IsValid(c) {
		return false
	}
	if i := strings.IndexByte(c, '+'); i >= 0 {
		c = c[:i]
	}
	return semver.Canonical(c) == c
}

// ValidateDescriptor checks a descriptor and the implementation resolved for
// it. Every violated field is collected into a single validation error.
// Non-fatal findings, like a version that is present but not semver, are
// returned as warnings.
func ValidateDescriptor(desc *Descriptor, impl Plugin) (warnings []string, err error) {
	if desc == nil {
		return nil, NewValidationError("", []FieldViolation{{Field: "descriptor", Message: "missing"}})
	}
	var violations []FieldViolation
	add := func(field, msg string) {
		violations = append(violations, FieldViolation{Field: field, Message: msg})
	}

	switch {
	case desc.Slug == "":
		add("name", "is required")
	case !ValidSlug(desc.Slug):
		add("name", "must match ^[a-z0-9-]+$")
	}

	if strings.TrimSpace(desc.Version) == "" {
		add("version", "is required")
	} else if !IsSemver(desc.Version) {
		warnings = append(warnings, fmt.Sprintf("version %q is not semver", desc.Version))
	}

	if strings.TrimSpace(desc.DisplayName) == "" {
		add("displayName", "is required")
	}
	if strings.TrimSpace(desc.Description) == "" {
		add("description", "is required")
	}
	if strings.TrimSpace(desc.Author) == "" {
		add("author", "is required")
	}

	if impl == nil {
		add("boot", "boot hook is missing")
	}

	for i, dep := range desc.Dependencies.Modules {
		if strings.TrimSpace(dep) == "" {
			add(fmt.Sprintf("dependencies[%d]", i), "must be a module slug")
		} else if dep == desc.Slug {
			add(fmt.Sprintf("dependencies[%d]", i), "module cannot depend on itself")
		}
	}
	if host := desc.RequiredHostVersion(); host != "" && !IsSemver(host) {
		add("dependencies.host", fmt.Sprintf("%q is not a version", host))
	}

	if len(violations) > 0 {
		return warnings, NewValidationError(desc.Slug, violations)
	}
	return warnings, nil
}

// ValidatePackageManifest applies the stricter rules uploaded packages must
// follow before anything is extracted.
func ValidatePackageManifest(desc *Descriptor) error {
	if desc == nil {
		return NewValidationError("", []FieldViolation{{Field: "manifest", Message: "missing"}})
	}
	var violations []FieldViolation
	if !packageNamePattern.MatchString(desc.Slug) {
		violations = append(violations, FieldViolation{Field: "name", Message: "must be 2-50 characters of [a-zA-Z0-9_-]"})
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(desc.DisplayName)); n < 2 || n > 100 {
		violations = append(violations, FieldViolation{Field: "displayName", Message: "must be 2-100 characters"})
	}
	if !strictSemver.MatchString(desc.Version) {
		violations = append(violations, FieldViolation{Field: "version", Message: "must be X.Y.Z"})
	}
	for i, dep := range desc.Dependencies.Modules {
		if !packageNamePattern.MatchString(dep) {
			violations = append(violations, FieldViolation{Field: fmt.Sprintf("dependencies[%d]", i), Message: "must be a module name"})
		}
	}
	if len(violations) > 0 {
		return NewValidationError(desc.Slug, violations)
	}
	return nil
}

// majorMinor extracts the major and minor components of a version.
func majorMinor(v string) (major, minor int, ok bool) {
	c := canonical(v)
	if !semver.IsValid(c) {
		return 0, 0, false
	}
	mm := strings.TrimPrefix(semver.MajorMinor(c), "v")
	parts := strings.SplitN(mm, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) == 2 {
		if minor, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, false
		}
	}
	return major, minor, true
}

// CheckHostCompatibility accepts a module when its required host version has
// the same major version as the host and a minor version no greater than the
// host's.
func CheckHostCompatibility(slug, required, host string) error {
	if required == "" {
		return nil
	}
	reqMajor, reqMinor, ok := majorMinor(required)
	if !ok {
		return NewCompatibilityError(slug, required, host)
	}
	hostMajor, hostMinor, ok := majorMinor(host)
	if !ok {
		return NewCompatibilityError(slug, required, host)
	}
	if reqMajor != hostMajor || hostMinor < reqMinor {
		return NewCompatibilityError(slug, required, host)
	}
	return nil
}
