package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
)

// StaticResource pairs a resource descriptor with its fixed contents.
type StaticResource struct {
	Descriptor mcp.Resource
	Contents   []mcp.ResourceContents
}

// ResourcesContainer owns a mutable, threadsafe set of resources. Updates to
// a resource's contents notify per-URI subscribers; set-level changes feed the
// listChanged capability.
type ResourcesContainer struct {
	mu        sync.RWMutex
	resources []mcp.Resource
	templates []mcp.ResourceTemplate
	contents  map[string][]mcp.ResourceContents // uri -> contents

	subsMu sync.Mutex
	subs   map[string]map[int]NotifyResourceUpdatedFunc // uri -> subscriber set
	nextID int

	notifier ChangeNotifier

	pageSize int
}

// NewResourcesContainer constructs a container with the given definitions.
func NewResourcesContainer(defs ...StaticResource) *ResourcesContainer {
	rc := &ResourcesContainer{pageSize: 50, subs: make(map[string]map[int]NotifyResourceUpdatedFunc)}
	rc.Replace(context.Background(), defs...)
	return rc
}

// ProvideResources returns the container as the resources capability, in the
// form WithResourcesProvider accepts.
func (rc *ResourcesContainer) ProvideResources(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	return rc, true, nil
}

// Replace atomically replaces the entire resource set.
func (rc *ResourcesContainer) Replace(_ context.Context, defs ...StaticResource) {
	rc.mu.Lock()
	rc.resources = rc.resources[:0]
	rc.contents = make(map[string][]mcp.ResourceContents, len(defs))
	for _, d := range defs {
		rc.resources = append(rc.resources, d.Descriptor)
		rc.contents[d.Descriptor.URI] = d.Contents
	}
	rc.mu.Unlock()
	go func() { _ = rc.notifier.Notify(context.Background()) }()
}

// SetTemplates replaces the advertised resource templates.
func (rc *ResourcesContainer) SetTemplates(templates ...mcp.ResourceTemplate) {
	rc.mu.Lock()
	rc.templates = append(rc.templates[:0], templates...)
	rc.mu.Unlock()
}

// Update replaces the contents of one resource and notifies its subscribers.
// Returns false if the URI is not registered.
func (rc *ResourcesContainer) Update(ctx context.Context, uri string, contents []mcp.ResourceContents) bool {
	rc.mu.Lock()
	if _, ok := rc.contents[uri]; !ok {
		rc.mu.Unlock()
		return false
	}
	rc.contents[uri] = contents
	rc.mu.Unlock()

	rc.subsMu.Lock()
	fns := make([]NotifyResourceUpdatedFunc, 0, len(rc.subs[uri]))
	for _, fn := range rc.subs[uri] {
		fns = append(fns, fn)
	}
	rc.subsMu.Unlock()
	for _, fn := range fns {
		fn(ctx, uri)
	}
	return true
}

// Add registers a new resource. Returns false on duplicate URI.
func (rc *ResourcesContainer) Add(_ context.Context, def StaticResource) bool {
	rc.mu.Lock()
	if _, exists := rc.contents[def.Descriptor.URI]; exists {
		rc.mu.Unlock()
		return false
	}
	rc.resources = append(rc.resources, def.Descriptor)
	rc.contents[def.Descriptor.URI] = def.Contents
	rc.mu.Unlock()
	go func() { _ = rc.notifier.Notify(context.Background()) }()
	return true
}

// Remove drops a resource by URI. Returns true if removed.
func (rc *ResourcesContainer) Remove(_ context.Context, uri string) bool {
	rc.mu.Lock()
	n := 0
	removed := false
	for _, r := range rc.resources {
		if r.URI == uri {
			removed = true
			continue
		}
		rc.resources[n] = r
		n++
	}
	if removed {
		rc.resources = rc.resources[:n]
		delete(rc.contents, uri)
	}
	rc.mu.Unlock()
	if removed {
		go func() { _ = rc.notifier.Notify(context.Background()) }()
	}
	return removed
}

// Subscriber implements ChangeSubscriber.
func (rc *ResourcesContainer) Subscriber() <-chan struct{} {
	return rc.notifier.Subscriber()
}

// --- ResourcesCapability implementation ---

// ListResources implements ResourcesCapability.
func (rc *ResourcesContainer) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	rc.mu.RLock()
	all := make([]mcp.Resource, len(rc.resources))
	copy(all, rc.resources)
	pageSize := rc.pageSize
	rc.mu.RUnlock()

	return pageSlice(all, cursor, pageSize)
}

// ListResourceTemplates implements ResourcesCapability.
func (rc *ResourcesContainer) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	rc.mu.RLock()
	all := make([]mcp.ResourceTemplate, len(rc.templates))
	copy(all, rc.templates)
	pageSize := rc.pageSize
	rc.mu.RUnlock()

	return pageSlice(all, cursor, pageSize)
}

// ReadResource implements ResourcesCapability.
func (rc *ResourcesContainer) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	rc.mu.RLock()
	contents, ok := rc.contents[uri]
	rc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	out := make([]mcp.ResourceContents, len(contents))
	copy(out, contents)
	return out, nil
}

// GetSubscriptionCapability implements ResourcesCapability.
func (rc *ResourcesContainer) GetSubscriptionCapability(ctx context.Context, session sessions.Session) (ResourceSubscriptionCapability, bool, error) {
	return rc, true, nil
}

// Subscribe implements ResourceSubscriptionCapability.
func (rc *ResourcesContainer) Subscribe(ctx context.Context, session sessions.Session, uri string, emit NotifyResourceUpdatedFunc) (CancelSubscription, error) {
	rc.mu.RLock()
	_, known := rc.contents[uri]
	rc.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}

	rc.subsMu.Lock()
	if rc.subs == nil {
		rc.subs = make(map[string]map[int]NotifyResourceUpdatedFunc)
	}
	if rc.subs[uri] == nil {
		rc.subs[uri] = make(map[int]NotifyResourceUpdatedFunc)
	}
	id := rc.nextID
	rc.nextID++
	rc.subs[uri][id] = emit
	rc.subsMu.Unlock()

	return func(context.Context) error {
		rc.subsMu.Lock()
		if set := rc.subs[uri]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(rc.subs, uri)
			}
		}
		rc.subsMu.Unlock()
		return nil
	}, nil
}

// GetListChangedCapability implements ResourcesCapability.
func (rc *ResourcesContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (ResourceListChangedCapability, bool, error) {
	return resourcesListChangedFromSubscriber{sub: rc}, true, nil
}
