package mcp

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeschlottig/groq-desktop-beta/internal/events"
)

// ToolDescriptor is one entry in the flat catalog.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Provider    string          `json:"provider"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toolRef resolves a catalog name back to the owning provider and the
// tool's original name on that provider.
type toolRef struct {
	provider string
	tool     string
}

// catalogSnapshot is an immutable view of the catalog. Lookups read
// the current snapshot without locking; rebuilds swap in a new one.
type catalogSnapshot struct {
	tools  []ToolDescriptor
	owners map[string]toolRef
}

var emptySnapshot = &catalogSnapshot{owners: map[string]toolRef{}}

// Registry maintains the flat tool catalog aggregated across all
// registered providers. When two providers expose the same tool name
// the provider registered last wins, which makes collisions
// deterministic for a fixed configuration order. Every tool is also
// reachable under its collision-proof namespaced alias
// mcp_{provider}_{tool}.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu    sync.Mutex
	order []string
	tools map[string][]Tool

	snapshot atomic.Pointer[catalogSnapshot]
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger,
		bus:    bus,
		tools:  make(map[string][]Tool),
	}
	r.snapshot.Store(emptySnapshot)
	return r
}

// Register adds a provider with no tools yet. Registration order is
// the collision precedence order; re-registering an existing provider
// keeps its original position.
func (r *Registry) Register(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[provider]; ok {
		return
	}
	r.order = append(r.order, provider)
	r.tools[provider] = nil
	r.rebuildLocked()
}

// Unregister removes a provider and its tools from the catalog.
func (r *Registry) Unregister(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[provider]; !ok {
		return
	}
	delete(r.tools, provider)
	r.order = slices.DeleteFunc(r.order, func(p string) bool { return p == provider })
	r.rebuildLocked()
}

// SetOrder resets the collision precedence order to the given provider
// order. Names without a registration are ignored; registered providers
// missing from the list keep their position after the listed ones. The
// supervisor calls this after every reconcile so precedence follows the
// configured order even when a restarted provider was re-registered
// last.
func (r *Registry) SetOrder(providers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]string, 0, len(r.order))
	for _, p := range providers {
		if _, ok := r.tools[p]; ok {
			next = append(next, p)
		}
	}
	for _, p := range r.order {
		if !slices.Contains(next, p) {
			next = append(next, p)
		}
	}
	if slices.Equal(next, r.order) {
		return
	}
	r.order = next
	r.rebuildLocked()
}

// UpdateTools replaces a provider's tool list and rebuilds the
// catalog. Passing nil clears the provider's contribution, which is
// what happens when its session drops out of the ready state.
func (r *Registry) UpdateTools(provider string, tools []Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[provider]; !ok {
		return
	}
	r.tools[provider] = tools
	r.rebuildLocked()
}

func (r *Registry) rebuildLocked() {
	owners := make(map[string]toolRef)
	flat := make(map[string]ToolDescriptor)

	for _, provider := range r.order {
		for _, tool := range r.tools[provider] {
			ref := toolRef{provider: provider, tool: tool.Name}

			if prev, ok := owners[tool.Name]; ok && prev.provider != provider {
				r.logger.Warn("tool name collision, later provider wins",
					"tool", tool.Name, "loser", prev.provider, "winner", provider)
			}
			owners[tool.Name] = ref
			flat[tool.Name] = ToolDescriptor{
				Name:        tool.Name,
				Provider:    provider,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}

			// The namespaced alias cannot collide: provider names are
			// unique and tool names are unique within a provider.
			owners[NamespacedName(provider, tool.Name)] = ref
		}
	}

	tools := make([]ToolDescriptor, 0, len(flat))
	for _, d := range flat {
		tools = append(tools, d)
	}
	slices.SortFunc(tools, func(a, b ToolDescriptor) int {
		return strings.Compare(a.Name, b.Name)
	})

	r.snapshot.Store(&catalogSnapshot{tools: tools, owners: owners})

	providers := make([]string, len(r.order))
	copy(providers, r.order)
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSupervisor,
		Kind:      events.KindCatalogUpdated,
		Data:      map[string]any{"tools": len(tools), "providers": providers},
	})
}

// ListTools returns the current catalog, sorted by tool name. The
// returned slice is a snapshot and must not be modified.
func (r *Registry) ListTools() []ToolDescriptor {
	return r.snapshot.Load().tools
}

// FindOwner resolves a flat or namespaced tool name to the owning
// provider and the tool's name on that provider.
func (r *Registry) FindOwner(name string) (provider, tool string, ok bool) {
	ref, ok := r.snapshot.Load().owners[name]
	if !ok {
		return "", "", false
	}
	return ref.provider, ref.tool, true
}

// NamespacedName returns the collision-proof alias for a tool.
func NamespacedName(provider, tool string) string {
	return "mcp_" + provider + "_" + tool
}
