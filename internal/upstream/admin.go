package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/models"
)

// Admin calls the authorization server's admin API.
type Admin struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewAdmin creates an admin API client for the server at adminURL.
func NewAdmin(adminURL string, httpClient *http.Client, logger *slog.Logger) *Admin {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout, nil)
	}

	return &Admin{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(adminURL, "/"),
		logger:     logger,
	}
}

// Ready reports nil when GET /health/ready answers 200.
func (a *Admin) Ready(ctx context.Context) error {
	body, status, err := a.send(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return &gerrors.UpstreamError{StatusCode: status, Body: body}
	}

	return nil
}

// CreateClient registers client upstream and returns the stored record.
func (a *Admin) CreateClient(ctx context.Context, client models.OAuthClient) (*models.OAuthClient, error) {
	payload, err := json.Marshal(client)
	if err != nil {
		return nil, fmt.Errorf("marshalling client: %w", err)
	}

	body, status, err := a.send(ctx, http.MethodPost, "/admin/clients", payload)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK && status != http.StatusCreated {
		return nil, &gerrors.UpstreamError{StatusCode: status, Body: body}
	}

	var created models.OAuthClient
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("%w: decoding created client: %w", gerrors.ErrUpstreamResponse, err)
	}

	a.logger.Info("registered upstream client", slog.String("client_id", created.ClientID))

	return &created, nil
}

// DeleteClient removes the client with the given id. A client that does
// not exist is not an error.
func (a *Admin) DeleteClient(ctx context.Context, clientID string) error {
	body, status, err := a.send(ctx, http.MethodDelete, "/admin/clients/"+url.PathEscape(clientID), nil)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return &gerrors.UpstreamError{StatusCode: status, Body: body}
	}
}

func (a *Admin) send(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating admin request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return doLimited(a.httpClient, req)
}
