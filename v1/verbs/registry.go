// Package verbs maps human-readable action names to executable operations.
// Policy-authoring tooling queries the registry; the broker resolves verbs
// to operations at submission time when callers use them.
package verbs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Verb scopes mirror policy scopes: a verb can apply everywhere, to one
// plugin type, or to one credential type.
const (
	ScopeGlobal     = "GLOBAL"
	ScopePlugin     = "PLUGIN"
	ScopeCredential = "CREDENTIAL"
)

// ErrVerbConflict is returned when registering an id that already exists.
var ErrVerbConflict = errors.New("verb id already registered")

// Verb binds a readable name to an underlying operation.
type Verb struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Scope       string                 `json:"scope"`
	Operation   string                 `json:"operation"`
	PluginType  string                 `json:"pluginType,omitempty"`
	// CredentialType narrows a verb to credentials of one type
	CredentialType string                 `json:"credentialType,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	// DefaultParams are merged under caller-supplied parameters on resolve
	DefaultParams map[string]interface{} `json:"defaultParams,omitempty"`
}

// Filter narrows a registry query. Zero-value fields do not filter.
type Filter struct {
	Scope          string
	PluginType     string
	CredentialType string
	// Search matches case-insensitively against name and description
	Search string
	// Tags requires all listed tags to be present
	Tags []string
}

// Resolution is the outcome of resolving a verb for execution.
type Resolution struct {
	Operation string
	Params    map[string]interface{}
}

// Registry is an in-memory verb store, safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	verbs map[string]Verb
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{verbs: make(map[string]Verb)}
}

// Register adds a verb under its id.
func (r *Registry) Register(v Verb) error {
	if v.ID == "" || v.Operation == "" {
		return fmt.Errorf("verb requires an id and an operation")
	}
	if v.Scope == "" {
		v.Scope = ScopeGlobal
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.verbs[v.ID]; exists {
		return fmt.Errorf("%w: %s", ErrVerbConflict, v.ID)
	}
	r.verbs[v.ID] = v
	return nil
}

// Unregister removes a verb, reporting whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.verbs[id]
	delete(r.verbs, id)
	return existed
}

// Get returns the verb for an id.
func (r *Registry) Get(id string) (Verb, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verbs[id]
	return v, ok
}

// Query returns all verbs matching the filter, ordered by id for stable
// output.
func (r *Registry) Query(f Filter) []Verb {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]Verb, 0)
	for _, v := range r.verbs {
		if f.Scope != "" && v.Scope != f.Scope {
			continue
		}
		if f.PluginType != "" && v.PluginType != f.PluginType {
			continue
		}
		if f.CredentialType != "" && v.CredentialType != f.CredentialType {
			continue
		}
		if f.Search != "" && !matchesSearch(v, f.Search) {
			continue
		}
		if len(f.Tags) > 0 && !hasAllTags(v.Tags, f.Tags) {
			continue
		}
		matches = append(matches, v)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}

// Resolve maps a verb id plus caller parameters to an executable operation.
// Returns nil when the verb is unknown. Caller parameters win over the
// verb's defaults.
func (r *Registry) Resolve(id string, params map[string]interface{}) *Resolution {
	v, ok := r.Get(id)
	if !ok {
		return nil
	}

	merged := make(map[string]interface{}, len(v.DefaultParams)+len(params))
	for k, val := range v.DefaultParams {
		merged[k] = val
	}
	for k, val := range params {
		merged[k] = val
	}
	return &Resolution{Operation: v.Operation, Params: merged}
}

// RegisterForPlugin bulk-registers verbs for a plugin type. Ids are
// namespaced as "{type}:{verbId}" so identically named verbs of different
// types cannot collide, and the scope and plugin type are stamped.
func (r *Registry) RegisterForPlugin(pluginType string, verbs []Verb) error {
	for _, v := range verbs {
		v.ID = fmt.Sprintf("%s:%s", pluginType, v.ID)
		v.Scope = ScopePlugin
		v.PluginType = pluginType
		if err := r.Register(v); err != nil {
			return err
		}
	}
	return nil
}

// RegisterForCredential bulk-registers verbs for a credential type with the
// same namespacing rule.
func (r *Registry) RegisterForCredential(credentialType string, verbs []Verb) error {
	for _, v := range verbs {
		v.ID = fmt.Sprintf("%s:%s", credentialType, v.ID)
		v.Scope = ScopeCredential
		v.CredentialType = credentialType
		if err := r.Register(v); err != nil {
			return err
		}
	}
	return nil
}

func matchesSearch(v Verb, search string) bool {
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(v.Name), needle) ||
		strings.Contains(strings.ToLower(v.Description), needle)
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
