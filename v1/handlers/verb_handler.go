package handlers

import (
	"net/http"
	"strings"

	"github.com/gov-dx-sandbox/credential-broker/v1/utils"
	"github.com/gov-dx-sandbox/credential-broker/v1/verbs"
)

// VerbHandler serves the read-only verb catalog for policy-authoring tools.
type VerbHandler struct {
	registry *verbs.Registry
}

// NewVerbHandler creates a new verb handler
func NewVerbHandler(registry *verbs.Registry) *VerbHandler {
	return &VerbHandler{registry: registry}
}

// Query handles GET /api/v1/verbs
// Query parameters: scope, pluginType, credentialType, search, tags (comma-separated)
func (h *VerbHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := verbs.Filter{
		Scope:          q.Get("scope"),
		PluginType:     q.Get("pluginType"),
		CredentialType: q.Get("credentialType"),
		Search:         q.Get("search"),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"verbs":   h.registry.Query(filter),
	})
}
