package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
)

type recordingReloader struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingReloader) Reload(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[slug]++
	return nil
}

func (r *recordingReloader) count(slug string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[slug]
}

func writeManifest(t *testing.T, dir, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"name":"` + filepath.Base(dir) + `","version":"` + version + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, modhost.ManifestFile), []byte(body), 0o644))
}

func startWatcher(t *testing.T, root string, reloader Reloader) *ManifestWatcher {
	t.Helper()
	w := New(root, reloader, nil, WithDebounce(50*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestManifestWritesAreDebounced(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "billing"), "1.0.0")
	reloader := &recordingReloader{}
	startWatcher(t, root, reloader)

	for _, v := range []string{"1.0.1", "1.0.2", "1.0.3"} {
		writeManifest(t, filepath.Join(root, "billing"), v)
	}

	assert.Eventually(t, func() bool { return reloader.count("billing") == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, reloader.count("billing"), "a burst of writes reloads once")
}

func TestOtherFilesAreIgnored(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "billing"), "1.0.0")
	reloader := &recordingReloader{}
	startWatcher(t, root, reloader)

	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".staging-billing"), 0o755))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, reloader.count("billing"))
	assert.Zero(t, reloader.count(".staging-billing"))
}

func TestNewModuleDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	reloader := &recordingReloader{}
	startWatcher(t, root, reloader)

	writeManifest(t, filepath.Join(root, "crm"), "1.0.0")
	assert.Eventually(t, func() bool { return reloader.count("crm") == 1 }, 2*time.Second, 10*time.Millisecond)

	writeManifest(t, filepath.Join(root, "crm"), "1.1.0")
	assert.Eventually(t, func() bool { return reloader.count("crm") == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartTwiceAndClose(t *testing.T) {
	root := t.TempDir()
	w := New(root, &recordingReloader{}, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "closing twice is a no-op")
}

func TestStartMissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), &recordingReloader{}, nil)
	assert.Error(t, w.Start(context.Background()))
}
