package mcpservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
	"github.com/fsnotify/fsnotify"
)

// FSResources exposes the files under a root directory as MCP resources with
// file:// URIs. Content changes observed through fsnotify feed per-URI
// subscriptions, so subscribed clients receive notifications/resources/updated
// when a file is written.
type FSResources struct {
	root     string
	pageSize int

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	subs     map[string]map[int]NotifyResourceUpdatedFunc // uri -> subscribers
	nextID   int
	watching bool

	notifier ChangeNotifier
}

// FSOption configures FSResources.
type FSOption func(*FSResources)

// WithFSPageSize overrides the listing page size.
func WithFSPageSize(n int) FSOption {
	return func(f *FSResources) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// NewFSResources builds a filesystem resources capability rooted at dir.
func NewFSResources(dir string, opts ...FSOption) (*FSResources, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	f := &FSResources{
		root:     abs,
		pageSize: 50,
		subs:     make(map[string]map[int]NotifyResourceUpdatedFunc),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ProvideResources returns f as the resources capability, in the form
// WithResourcesProvider accepts.
func (f *FSResources) ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	return f, true, nil
}

// Close stops the change watcher.
func (f *FSResources) Close() error {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	f.watching = false
	if f.watcher != nil {
		w := f.watcher
		f.watcher = nil
		return w.Close()
	}
	return nil
}

func (f *FSResources) uriFor(path string) string {
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return "file://" + path
	}
	return "file://" + filepath.ToSlash(filepath.Join(f.root, rel))
}

func (f *FSResources) pathFor(uri string) (string, error) {
	raw := strings.TrimPrefix(uri, "file://")
	if raw == uri {
		return "", fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	abs := filepath.Clean(filepath.FromSlash(raw))
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		// Escaping the root is treated as an unknown resource.
		return "", fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return abs, nil
}

func (f *FSResources) snapshot() ([]mcp.Resource, error) {
	var out []mcp.Resource
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != f.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		out = append(out, mcp.Resource{
			URI:      f.uriFor(path),
			Name:     d.Name(),
			MimeType: mime.TypeByExtension(filepath.Ext(d.Name())),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", f.root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// ListResources implements ResourcesCapability.
func (f *FSResources) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	all, err := f.snapshot()
	if err != nil {
		return Page[mcp.Resource]{}, err
	}
	return pageSlice(all, cursor, f.pageSize)
}

// ListResourceTemplates implements ResourcesCapability. The single template
// mirrors the root layout.
func (f *FSResources) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	templates := []mcp.ResourceTemplate{{
		URITemplate: "file://" + filepath.ToSlash(f.root) + "/{path}",
		Name:        filepath.Base(f.root),
	}}
	return pageSlice(templates, cursor, f.pageSize)
}

// ReadResource implements ResourcesCapability.
func (f *FSResources) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	path, err := f.pathFor(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
		}
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	contents := mcp.ResourceContents{
		URI:      uri,
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
	}
	if utf8.Valid(data) {
		contents.Text = string(data)
	} else {
		contents.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return []mcp.ResourceContents{contents}, nil
}

// GetSubscriptionCapability implements ResourcesCapability.
func (f *FSResources) GetSubscriptionCapability(ctx context.Context, session sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	return f, true, nil
}

// Subscribe implements ResourceSubscriptionCapability. The first subscriber
// starts the fsnotify watcher; later subscribers share it.
func (f *FSResources) Subscribe(ctx context.Context, session sessions.Session, uri string, emit NotifyResourceUpdatedFunc) (CancelSubscription, error) {
	path, err := f.pathFor(uri)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}

	f.watchMu.Lock()
	defer f.watchMu.Unlock()

	if err := f.ensureWatcherLocked(); err != nil {
		return nil, err
	}
	if err := f.watcher.Add(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	if f.subs[uri] == nil {
		f.subs[uri] = make(map[int]NotifyResourceUpdatedFunc)
	}
	id := f.nextID
	f.nextID++
	f.subs[uri][id] = emit

	return func(context.Context) error {
		f.watchMu.Lock()
		if set := f.subs[uri]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(f.subs, uri)
			}
		}
		f.watchMu.Unlock()
		return nil
	}, nil
}

// ensureWatcherLocked lazily starts the shared fsnotify loop; callers hold watchMu.
func (f *FSResources) ensureWatcherLocked() error {
	if f.watching {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	f.watcher = w
	f.watching = true

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				uri := f.uriFor(ev.Name)
				f.watchMu.Lock()
				fns := make([]NotifyResourceUpdatedFunc, 0, len(f.subs[uri]))
				for _, fn := range f.subs[uri] {
					fns = append(fns, fn)
				}
				f.watchMu.Unlock()
				for _, fn := range fns {
					fn(context.Background(), uri)
				}
				_ = f.notifier.Notify(context.Background())
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Subscriber implements ChangeSubscriber.
func (f *FSResources) Subscriber() <-chan struct{} {
	return f.notifier.Subscriber()
}

// GetListChangedCapability implements ResourcesCapability.
func (f *FSResources) GetListChangedCapability(ctx context.Context, session sessions.Session) (ResourceListChangedCapability, bool, error) {
	return resourcesListChangedFromSubscriber{sub: f}, true, nil
}
