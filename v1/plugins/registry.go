package plugins

import (
	"context"
	"fmt"
	"sync"
)

// Registry maps credential types to their executor plugins. Registration is
// explicit and happens once at startup; a second plugin for a registered
// type is a conflict, not a silent overwrite.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin for its credential type.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrPluginConflict, p.Type())
	}
	r.plugins[p.Type()] = p
	return nil
}

// Get returns the plugin for a credential type.
func (r *Registry) Get(credentialType string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[credentialType]
	return p, ok
}

// Types lists the registered credential types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.plugins))
	for t := range r.plugins {
		types = append(types, t)
	}
	return types
}

// CheckCredentialHealth probes the decrypted credential through its plugin.
// Used by dashboards to flag credentials that no longer work upstream.
func (r *Registry) CheckCredentialHealth(ctx context.Context, credentialType string, data []byte) error {
	p, ok := r.Get(credentialType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, credentialType)
	}
	return p.CheckCredentialHealth(ctx, data)
}

// Execute resolves the plugin for the credential type, verifies the
// operation is declared and its required parameters are present, then
// delegates. Each check failing surfaces a typed error rather than
// proceeding.
func (r *Registry) Execute(ctx context.Context, credentialType, operation string, data []byte, params map[string]interface{}) (map[string]interface{}, error) {
	p, ok := r.Get(credentialType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, credentialType)
	}

	var spec *OperationSpec
	for _, op := range p.SupportedOperations() {
		if op.Name == operation {
			spec = &op
			break
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: %q is not declared by plugin %s", ErrUnsupportedOperation, operation, credentialType)
	}

	for _, required := range spec.RequiredParams {
		if _, present := params[required]; !present {
			return nil, fmt.Errorf("%w: %q for operation %q", ErrMissingParameter, required, operation)
		}
	}

	return p.Execute(ctx, operation, data, params)
}
