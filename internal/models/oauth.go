// Package models defines types shared across internal packages.
package models

import "time"

// FlowState binds an opaque state token to the PKCE code verifier of one
// in-progress browser login. It is never mutated after creation.
type FlowState struct {
	StateToken   string    `json:"state_token"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the flow state is older than ttl at now.
func (f *FlowState) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(f.CreatedAt) > ttl
}

// BrokerRequest is the body of a machine-to-machine token request.
type BrokerRequest struct {
	Client   string `json:"client"`
	Scope    string `json:"scope,omitempty"`
	Audience string `json:"audience,omitempty"`
}

// OAuthClient describes an OAuth client registered with the upstream
// authorization server through its admin API.
type OAuthClient struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Audience                []string `json:"audience,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}
