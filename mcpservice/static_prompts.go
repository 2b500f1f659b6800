package mcpservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
)

// PromptHandler handles a prompt get request to produce messages.
type PromptHandler func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with a handler that can materialize it.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// PromptsContainer owns a mutable, threadsafe set of prompt descriptors and
// handlers. It embeds a ChangeNotifier so the prompts capability exposes
// listChanged support automatically.
type PromptsContainer struct {
	mu       sync.RWMutex
	prompts  []mcp.Prompt
	handlers map[string]PromptHandler // name -> handler

	notifier ChangeNotifier

	pageSize int
}

// NewPromptsContainer constructs a container with the given definitions.
func NewPromptsContainer(defs ...StaticPrompt) *PromptsContainer {
	sp := &PromptsContainer{pageSize: 50}
	sp.Replace(context.Background(), defs...)
	return sp
}

// ProvidePrompts returns the container as the prompts capability, in the form
// WithPromptsProvider accepts.
func (sp *PromptsContainer) ProvidePrompts(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error) {
	return sp, true, nil
}

// Snapshot returns a copy of the current prompt descriptors.
func (sp *PromptsContainer) Snapshot() []mcp.Prompt {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]mcp.Prompt, len(sp.prompts))
	copy(out, sp.prompts)
	return out
}

// Replace atomically replaces the entire prompt set.
func (sp *PromptsContainer) Replace(_ context.Context, defs ...StaticPrompt) {
	sp.mu.Lock()
	sp.prompts = sp.prompts[:0]
	if cap(sp.prompts) < len(defs) {
		sp.prompts = make([]mcp.Prompt, 0, len(defs))
	}
	sp.handlers = make(map[string]PromptHandler, len(defs))
	for _, d := range defs {
		sp.prompts = append(sp.prompts, d.Descriptor)
		if d.Handler != nil {
			sp.handlers[d.Descriptor.Name] = d.Handler
		}
	}
	sp.mu.Unlock()
	go func() { _ = sp.notifier.Notify(context.Background()) }()
}

// Add registers a new prompt if it doesn't duplicate an existing name.
func (sp *PromptsContainer) Add(_ context.Context, def StaticPrompt) bool {
	sp.mu.Lock()
	if sp.handlers == nil {
		sp.handlers = make(map[string]PromptHandler)
	}
	name := def.Descriptor.Name
	if name == "" {
		sp.mu.Unlock()
		return false
	}
	if _, exists := sp.handlers[name]; exists {
		sp.mu.Unlock()
		return false
	}
	sp.prompts = append(sp.prompts, def.Descriptor)
	if def.Handler != nil {
		sp.handlers[name] = def.Handler
	}
	sp.mu.Unlock()
	go func() { _ = sp.notifier.Notify(context.Background()) }()
	return true
}

// Remove removes a prompt by name. Returns true if removed.
func (sp *PromptsContainer) Remove(_ context.Context, name string) bool {
	sp.mu.Lock()
	n := 0
	removed := false
	for _, p := range sp.prompts {
		if p.Name == name {
			removed = true
			continue
		}
		sp.prompts[n] = p
		n++
	}
	if removed {
		sp.prompts = sp.prompts[:n]
		delete(sp.handlers, name)
	}
	sp.mu.Unlock()
	if removed {
		go func() { _ = sp.notifier.Notify(context.Background()) }()
	}
	return removed
}

// Subscriber implements ChangeSubscriber.
func (sp *PromptsContainer) Subscriber() <-chan struct{} {
	return sp.notifier.Subscriber()
}

// --- PromptsCapability implementation ---

// ListPrompts implements PromptsCapability.
func (sp *PromptsContainer) ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error) {
	sp.mu.RLock()
	all := make([]mcp.Prompt, len(sp.prompts))
	copy(all, sp.prompts)
	pageSize := sp.pageSize
	sp.mu.RUnlock()

	return pageSlice(all, cursor, pageSize)
}

// GetPrompt implements PromptsCapability.
func (sp *PromptsContainer) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	sp.mu.RLock()
	h := sp.handlers[req.Name]
	sp.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, req.Name)
	}
	return h(ctx, session, req)
}

// GetListChangedCapability implements PromptsCapability.
func (sp *PromptsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (PromptListChangedCapability, bool, error) {
	return promptsListChangedFromSubscriber{sub: sp}, true, nil
}
