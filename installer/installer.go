// Package installer deploys uploaded module packages.
//
// A package is a ZIP archive carrying a module.json manifest and backend
// and/or frontend payload files. The installer validates the whole archive
// before anything is written, extracts it into staging directories next to
// the live module directories and then swaps the staging directories in
// with renames. A failed install never leaves a half-written live
// directory behind.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/GoCodeAlone/modhost"
)

const source = "modhost.installer"

// Record is what the installer hands to the Registrar after the files are
// live.
type Record struct {
	Slug        string
	Version     string
	DisplayName string
	HasBackend  bool
	HasFrontend bool
	Fresh       bool
}

// Registrar persists installs. Registered reports whether a record of slug
// already exists; only an install without one counts as fresh. Forget removes
// a partial registration after a fresh install failed.
type Registrar interface {
	Registered(ctx context.Context, slug string) (bool, error)
	RecordInstall(ctx context.Context, rec Record) error
	Forget(ctx context.Context, slug string) error
}

// Config locates the live module trees.
type Config struct {
	BackendRoot  string
	FrontendRoot string
	Limits       Limits
}

// Result describes a completed install.
type Result struct {
	Descriptor  *modhost.Descriptor
	Fresh       bool
	HasBackend  bool
	HasFrontend bool
	Files       int
	BackendDir  string
	FrontendDir string
}

// Option configures an Installer.
type Option func(*Installer)

// WithRegistrar records every install through r.
func WithRegistrar(r Registrar) Option {
	return func(i *Installer) { i.registrar = r }
}

// WithEventEmitter publishes install CloudEvents through emitter.
func WithEventEmitter(emitter modhost.EventEmitter) Option {
	return func(i *Installer) { i.emitter = emitter }
}

// Installer validates, stages and swaps module packages. Installs of
// different slugs may run concurrently; a second install or removal of a
// slug that is already being processed fails immediately.
type Installer struct {
	cfg       Config
	logger    modhost.Logger
	registrar Registrar
	emitter   modhost.EventEmitter

	locks sync.Map // slug -> *sync.Mutex
}

// New creates an installer. Zero limits fall back to DefaultLimits.
func New(cfg Config, logger modhost.Logger, opts ...Option) *Installer {
	if logger == nil {
		logger = modhost.NopLogger()
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits
	}
	i := &Installer{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// LiveDir returns the live directory of slug in a subtree.
func (i *Installer) LiveDir(s Subtree, slug string) string {
	return filepath.Join(i.root(s), slug)
}

// Installed reports which live subtrees of slug exist.
func (i *Installer) Installed(slug string) (hasBackend, hasFrontend bool) {
	return exists(i.LiveDir(Backend, slug)), exists(i.LiveDir(Frontend, slug))
}

func (i *Installer) root(s Subtree) string {
	if s == Frontend {
		return i.cfg.FrontendRoot
	}
	return i.cfg.BackendRoot
}

// lock takes the per-slug lock without waiting.
func (i *Installer) lock(slug string) (func(), error) {
	v, _ := i.locks.LoadOrStore(slug, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, modhost.NewInstallError(modhost.CodeInstallInProgress, slug,
			"another install or removal of this module is in progress", nil)
	}
	return mu.Unlock, nil
}

// InstallFile installs the archive at path.
func (i *Installer) InstallFile(ctx context.Context, slug, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package could not be opened", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package could not be read", err)
	}
	return i.Install(ctx, slug, f, info.Size())
}

// InstallReader buffers r, up to the archive size limit, and installs it.
func (i *Installer) InstallReader(ctx context.Context, slug string, r io.Reader) (*Result, error) {
	limit := i.cfg.Limits.MaxArchiveBytes
	if limit <= 0 {
		limit = DefaultLimits.MaxArchiveBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, modhost.NewInstallError(modhost.CodeInstallSignature, slug, "the package could not be read", err)
	}
	if int64(len(data)) > limit {
		return nil, modhost.NewInstallError(modhost.CodeInstallStructure, slug,
			fmt.Sprintf("the package exceeds %d bytes", limit), nil)
	}
	return i.Install(ctx, slug, bytes.NewReader(data), int64(len(data)))
}

// Install validates the archive, stages its files and swaps them into the
// live directories of slug. When slug is empty the manifest name is used;
// otherwise the manifest must name slug.
func (i *Installer) Install(ctx context.Context, slug string, archive io.ReaderAt, size int64) (*Result, error) {
	p, err := inspect(archive, size, slug, i.cfg.Limits)
	if err != nil {
		i.logger.Warn("Package rejected", "module", slug, "code", string(modhost.CodeOf(err)), "error", err)
		return nil, err
	}
	slug = p.desc.Slug

	unlock, err := i.lock(slug)
	if err != nil {
		return nil, err
	}
	defer unlock()

	known, err := i.registered(ctx, slug)
	if err != nil {
		return nil, err
	}

	staged, err := i.stage(ctx, slug, p)
	if err != nil {
		for _, dir := range staged {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	hadBackend, hadFrontend := i.Installed(slug)
	fresh := !hadBackend && !hadFrontend && !known

	steps, err := i.swap(slug, staged, hadFrontend)
	if err != nil {
		for _, dir := range staged {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	res := &Result{
		Descriptor:  p.desc,
		Fresh:       fresh,
		HasBackend:  p.has(Backend),
		HasFrontend: p.has(Frontend),
		Files:       len(p.files),
		BackendDir:  i.LiveDir(Backend, slug),
	}
	if res.HasFrontend {
		res.FrontendDir = i.LiveDir(Frontend, slug)
	}

	if err := i.register(ctx, res); err != nil {
		i.rollback(ctx, slug, fresh, steps)
		return nil, err
	}

	for _, s := range steps {
		if cerr := s.commit(); cerr != nil {
			i.logger.Warn("Failed to delete backup", "module", slug, "dir", s.backup, "error", cerr)
		}
	}

	i.logger.Info("Module package installed", "module", slug, "version", p.desc.Version, "fresh", fresh, "files", res.Files)
	modhost.EmitLifecycle(ctx, i.emitter, i.logger, modhost.EventTypePackageInstalled, source, map[string]any{
		"module":      slug,
		"version":     p.desc.Version,
		"fresh":       fresh,
		"hasBackend":  res.HasBackend,
		"hasFrontend": res.HasFrontend,
	})
	return res, nil
}

// stage extracts every planned file into fresh staging directories. The
// returned map holds every staging directory created so far, also on error.
func (i *Installer) stage(ctx context.Context, slug string, p *plan) (map[Subtree]string, error) {
	staged := make(map[Subtree]string)
	for _, s := range []Subtree{Backend, Frontend} {
		if !p.has(s) {
			continue
		}
		root := i.root(s)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return staged, modhost.NewInstallError(modhost.CodeInstallStaging, slug, "the module directory could not be created", err)
		}
		dir := stagingDir(root, slug)
		if err := os.Mkdir(dir, 0o755); err != nil {
			return staged, modhost.NewInstallError(modhost.CodeInstallStaging, slug, "the staging directory could not be created", err)
		}
		staged[s] = dir
	}

	for _, f := range p.files {
		if err := ctx.Err(); err != nil {
			return staged, modhost.NewInstallError(modhost.CodeInstallStaging, slug, "the install was cancelled", err)
		}
		if err := writeFile(staged[f.subtree], f, i.cfg.Limits.MaxFileBytes); err != nil {
			code := modhost.CodeInstallStaging
			if errors.Is(err, errNullByte) || errors.Is(err, errTooLarge) {
				code = modhost.CodeInstallUnsafeEntry
			}
			return staged, modhost.NewInstallError(code, slug, fmt.Sprintf("file %s could not be staged", f.entry.Name), err)
		}
	}
	return staged, nil
}

// swap moves every staged subtree into place. A frontend subtree that the
// new package no longer ships is moved aside as well. When any step fails
// the steps already taken are undone.
func (i *Installer) swap(slug string, staged map[Subtree]string, hadFrontend bool) ([]swapStep, error) {
	var steps []swapStep
	for _, s := range []Subtree{Backend, Frontend} {
		dir, ok := staged[s]
		if !ok && !(s == Frontend && hadFrontend) {
			continue
		}
		step, err := swapIn(i.root(s), slug, i.LiveDir(s, slug), dir)
		if err != nil {
			for j := len(steps) - 1; j >= 0; j-- {
				if uerr := steps[j].undo(); uerr != nil {
					i.logger.Error("Failed to restore module directory", "module", slug, "dir", steps[j].live, "error", uerr)
				}
			}
			return nil, modhost.NewInstallError(modhost.CodeInstallStaging, slug, "the module files could not be activated", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func (i *Installer) registered(ctx context.Context, slug string) (bool, error) {
	if i.registrar == nil {
		return false, nil
	}
	known, err := i.registrar.Registered(ctx, slug)
	if err != nil {
		return false, modhost.NewInstallError(modhost.CodeInstallRegistration, slug, "the module registration could not be read", err)
	}
	return known, nil
}

func (i *Installer) register(ctx context.Context, res *Result) error {
	if i.registrar == nil {
		return nil
	}
	rec := Record{
		Slug:        res.Descriptor.Slug,
		Version:     res.Descriptor.Version,
		DisplayName: res.Descriptor.DisplayName,
		HasBackend:  res.HasBackend,
		HasFrontend: res.HasFrontend,
		Fresh:       res.Fresh,
	}
	if err := i.registrar.RecordInstall(ctx, rec); err != nil {
		return modhost.NewInstallError(modhost.CodeInstallRegistration, rec.Slug, "the module could not be registered", err)
	}
	return nil
}

// rollback undoes a swap after registration failed. A fresh install loses
// its new live directories and any partial registration; an update gets its
// previous directories back.
func (i *Installer) rollback(ctx context.Context, slug string, fresh bool, steps []swapStep) {
	for j := len(steps) - 1; j >= 0; j-- {
		if err := steps[j].undo(); err != nil {
			i.logger.Error("Failed to roll back module directory", "module", slug, "dir", steps[j].live, "error", err)
		}
	}
	if fresh && i.registrar != nil {
		if err := i.registrar.Forget(ctx, slug); err != nil {
			i.logger.Warn("Failed to remove partial registration", "module", slug, "error", err)
		}
	}
	i.logger.Warn("Module install rolled back", "module", slug, "fresh", fresh)
	modhost.EmitLifecycle(ctx, i.emitter, i.logger, modhost.EventTypePackageRolledBack, source, map[string]any{
		"module": slug,
		"fresh":  fresh,
	})
}

// Remove deletes the live directories of slug. Each directory is renamed
// away first so the live path disappears in one step.
func (i *Installer) Remove(ctx context.Context, slug string) error {
	unlock, err := i.lock(slug)
	if err != nil {
		return err
	}
	defer unlock()

	removed := false
	for _, s := range []Subtree{Backend, Frontend} {
		live := i.LiveDir(s, slug)
		if !exists(live) {
			continue
		}
		step, err := swapIn(i.root(s), slug, live, "")
		if err != nil {
			return modhost.NewInstallError(modhost.CodeInstallStaging, slug, "the module files could not be removed", err)
		}
		if err := step.commit(); err != nil {
			i.logger.Warn("Failed to delete removed module files", "module", slug, "dir", step.backup, "error", err)
		}
		removed = true
	}
	if !removed {
		return modhost.NewNotFoundError(slug)
	}

	i.logger.Info("Module files removed", "module", slug)
	modhost.EmitLifecycle(ctx, i.emitter, i.logger, modhost.EventTypePackageRemoved, source, map[string]any{
		"module": slug,
	})
	return nil
}
