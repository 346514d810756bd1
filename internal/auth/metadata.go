package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// HandleProtectedResourceMetadata returns the
// /.well-known/oauth-protected-resource handler. The gateway is the
// resource; tokens come from issuer.
func HandleProtectedResourceMetadata(serverURL, issuer, scope string) http.HandlerFunc {
	meta := ProtectedResourceMetadata{
		Resource:               serverURL,
		AuthorizationServers:   []string{issuer},
		ScopesSupported:        strings.Fields(scope),
		BearerMethodsSupported: []string{"header"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
