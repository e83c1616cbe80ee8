package mcpservice

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-session-mux/mcp"
)

// ResourceReader produces the contents of a resource at read time.
type ResourceReader func(ctx context.Context, session Session, uri string) ([]mcp.ResourceContents, error)

// StaticResource pairs a resource descriptor with its reader.
type StaticResource struct {
	Descriptor mcp.Resource
	Read       ResourceReader
}

// TextResource builds a StaticResource whose contents never change.
func TextResource(uri, name, mimeType, text string) StaticResource {
	contents := []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}
	return StaticResource{
		Descriptor: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Read: func(context.Context, Session, string) ([]mcp.ResourceContents, error) {
			return contents, nil
		},
	}
}

// ResourcesContainer owns a mutable, threadsafe set of resources keyed by URI.
// It implements ResourcesCapability.
type ResourcesContainer struct {
	mu        sync.RWMutex
	resources []mcp.Resource
	readers   map[string]ResourceReader

	pageSize int
}

// NewResourcesContainer constructs a new ResourcesContainer with the given definitions.
func NewResourcesContainer(defs ...StaticResource) *ResourcesContainer {
	rc := &ResourcesContainer{pageSize: defaultPageSize, readers: make(map[string]ResourceReader)}
	for _, d := range defs {
		rc.Add(d)
	}
	return rc
}

// Add registers a resource if its URI is not already present.
// Returns true if added.
func (rc *ResourcesContainer) Add(def StaticResource) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	uri := def.Descriptor.URI
	if _, exists := rc.readers[uri]; exists || def.Read == nil {
		return false
	}
	rc.resources = append(rc.resources, def.Descriptor)
	rc.readers[uri] = def.Read
	return true
}

// ListResources implements ResourcesCapability.
func (rc *ResourcesContainer) ListResources(_ context.Context, _ Session, cursor *string) (Page[mcp.Resource], error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return paginate(rc.resources, cursor, rc.pageSize), nil
}

// ReadResource implements ResourcesCapability.
func (rc *ResourcesContainer) ReadResource(ctx context.Context, session Session, uri string) (*mcp.ReadResourceResult, error) {
	rc.mu.RLock()
	read := rc.readers[uri]
	rc.mu.RUnlock()
	if read == nil {
		return nil, &NotFoundError{Kind: "resource", Name: uri}
	}
	contents, err := read(ctx, session, uri)
	if err != nil {
		return nil, err
	}
	if contents == nil {
		contents = []mcp.ResourceContents{}
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}

var _ ResourcesCapability = (*ResourcesContainer)(nil)
