package installer

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/GoCodeAlone/modhost"
)

// zipSignature is the local file header magic every non-empty ZIP starts
// with.
var zipSignature = []byte("PK\x03\x04")

var allowedExtensions = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".ts": true, ".tsx": true, ".jsx": true,
	".json": true, ".sql": true, ".md": true, ".txt": true,
	".css": true, ".scss": true, ".html": true, ".vue": true,
	".yaml": true, ".yml": true, ".go": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
}

// binaryExtensions may legitimately contain null bytes; every other allowed
// extension is text.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".ico": true,
}

var deniedNames = map[string]bool{
	".env": true, ".git": true, ".gitignore": true, ".gitattributes": true,
	".svn": true, ".hg": true, ".DS_Store": true, ".npmrc": true, ".htaccess": true,
}

// Subtree is one of the two payload trees a module ships.
type Subtree string

const (
	Backend  Subtree = "backend"
	Frontend Subtree = "frontend"
)

// Limits bounds an uploaded package.
type Limits struct {
	MaxArchiveBytes int64
	MaxEntries      int
	MaxFileBytes    int64
}

// DefaultLimits matches the host configuration defaults.
var DefaultLimits = Limits{
	MaxArchiveBytes: 50 << 20,
	MaxEntries:      2000,
	MaxFileBytes:    10 << 20,
}

// plannedFile is a validated archive entry and where it goes.
type plannedFile struct {
	entry   *zip.File
	subtree Subtree
	rel     string
	text    bool
}

// plan is the outcome of inspecting an archive: nothing has been written
// yet.
type plan struct {
	desc  *modhost.Descriptor
	files []plannedFile
}

func (p *plan) has(s Subtree) bool {
	for _, f := range p.files {
		if f.subtree == s {
			return true
		}
	}
	return false
}

// checkSignature verifies the archive magic bytes.
func checkSignature(r io.ReaderAt, size int64, slug string) error {
	if size < int64(len(zipSignature)) {
		return modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package is not a ZIP archive", nil)
	}
	head := make([]byte, len(zipSignature))
	if _, err := r.ReadAt(head, 0); err != nil {
		return modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package could not be read", err)
	}
	if !bytes.Equal(head, zipSignature) {
		return modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package is not a ZIP archive", nil)
	}
	return nil
}

// inspect validates the listing and every entry of an archive and reads the
// manifest. It writes nothing to disk.
func inspect(r io.ReaderAt, size int64, slug string, limits Limits) (*plan, error) {
	if limits.MaxArchiveBytes > 0 && size > limits.MaxArchiveBytes {
		return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug,
			fmt.Sprintf("the package exceeds %d bytes", limits.MaxArchiveBytes), nil)
	}
	if err := checkSignature(r, size, slug); err != nil {
		return nil, err
	}
	// Insecure names are reported per entry below.
	zr, err := zip.NewReader(r, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package is not a valid ZIP archive", err)
	}
	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries {
		return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug,
			fmt.Sprintf("the package has more than %d entries", limits.MaxEntries), nil)
	}

	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		name, err := checkEntry(f, slug, limits)
		if err != nil {
			return nil, err
		}
		names[i] = name
	}

	prefix, manifest, err := locateManifest(zr.File, names, slug)
	if err != nil {
		return nil, err
	}

	desc, err := readManifest(manifest, slug)
	if err != nil {
		return nil, err
	}

	p := &plan{desc: desc}
	targets := make(map[string]bool)
	for i, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(names[i], prefix)
		subtree, target := route(rel)
		key := string(subtree) + "/" + target
		if targets[key] {
			return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug,
				fmt.Sprintf("more than one entry maps to %s", key), nil)
		}
		targets[key] = true
		ext := strings.ToLower(path.Ext(target))
		p.files = append(p.files, plannedFile{entry: f, subtree: subtree, rel: target, text: !binaryExtensions[ext]})
	}
	return p, nil
}

// checkEntry applies the per-entry rules and returns the normalized name.
func checkEntry(f *zip.File, slug string, limits Limits) (string, error) {
	raw := strings.ReplaceAll(f.Name, "\\", "/")
	reject := func(reason string) error {
		return modhost.NewInstallError(modhost.CodeInstallUnsafeEntry, slug,
			fmt.Sprintf("entry %q rejected: %s", f.Name, reason), nil)
	}

	if raw == "" || strings.HasPrefix(raw, "/") || (len(raw) > 1 && raw[1] == ':') {
		return "", reject("absolute path")
	}
	for _, seg := range strings.Split(strings.TrimSuffix(raw, "/"), "/") {
		if seg == ".." {
			return "", reject("parent directory traversal")
		}
		if deniedName(seg) {
			return "", reject("file name is not allowed")
		}
	}
	if f.Mode()&fs.ModeSymlink != 0 {
		return "", reject("symbolic links are not allowed")
	}
	if f.FileInfo().IsDir() {
		return path.Clean(raw) + "/", nil
	}
	if !f.Mode().IsRegular() {
		return "", reject("only regular files are allowed")
	}

	name := path.Clean(raw)
	ext := strings.ToLower(path.Ext(name))
	if !allowedExtensions[ext] {
		return "", reject(fmt.Sprintf("extension %q is not allowed", ext))
	}
	if limits.MaxFileBytes > 0 && f.UncompressedSize64 > uint64(limits.MaxFileBytes) {
		return "", reject(fmt.Sprintf("file exceeds %d bytes", limits.MaxFileBytes))
	}
	return name, nil
}

func deniedName(seg string) bool {
	return deniedNames[seg] || strings.HasPrefix(seg, ".env.")
}

// locateManifest finds the single manifest either at the archive root or at
// the root of the only top-level folder, and returns the prefix to strip
// from every entry.
func locateManifest(files []*zip.File, names []string, slug string) (string, *zip.File, error) {
	structure := func(msg string) error {
		return modhost.NewInstallError(modhost.CodeInstallStructure, slug, msg, nil)
	}

	var (
		rootManifests []*zip.File
		topLevel      = make(map[string]bool)
		rootFiles     bool
		fileCount     int
	)
	for i, f := range files {
		name := names[i]
		first, _, nested := strings.Cut(name, "/")
		if f.FileInfo().IsDir() {
			topLevel[first] = true
			continue
		}
		fileCount++
		if !nested {
			rootFiles = true
			if name == modhost.ManifestFile {
				rootManifests = append(rootManifests, f)
			}
			continue
		}
		topLevel[first] = true
	}

	if fileCount == 0 {
		return "", nil, structure("the package contains no files")
	}
	switch len(rootManifests) {
	case 1:
		return "", rootManifests[0], nil
	case 0:
	default:
		return "", nil, structure("the package contains more than one manifest")
	}

	if rootFiles || len(topLevel) != 1 {
		if len(topLevel) > 1 {
			return "", nil, structure("the package has more than one top-level folder and no root manifest")
		}
		return "", nil, structure("the package has no " + modhost.ManifestFile)
	}

	var folder string
	for k := range topLevel {
		folder = k
	}
	prefix := folder + "/"
	var found []*zip.File
	for i, f := range files {
		if !f.FileInfo().IsDir() && names[i] == prefix+modhost.ManifestFile {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return "", nil, structure("the package has no " + modhost.ManifestFile)
	case 1:
		return prefix, found[0], nil
	default:
		return "", nil, structure("the package contains more than one manifest")
	}
}

func readManifest(f *zip.File, slug string) (*modhost.Descriptor, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug, "the manifest could not be read", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug, "the manifest could not be read", err)
	}
	desc, err := modhost.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := modhost.ValidatePackageManifest(desc); err != nil {
		return nil, err
	}
	if slug != "" && desc.Slug != slug {
		return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug,
			fmt.Sprintf("the manifest names module %q", desc.Slug), nil)
	}
	return desc, nil
}

// route maps a path relative to the package root to its subtree.
func route(rel string) (Subtree, string) {
	if rest, ok := strings.CutPrefix(rel, "backend/"); ok {
		return Backend, rest
	}
	if rest, ok := strings.CutPrefix(rel, "frontend/"); ok {
		return Frontend, rest
	}
	return Backend, rel
}
