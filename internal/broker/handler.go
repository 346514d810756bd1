package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/httputil"
	"github.com/alexjbarnes/gate/internal/models"
)

const maxRequestBytes = 64 * 1024

// HandleToken returns the POST /token handler. It accepts a JSON body of
// {client, scope, audience} or the same fields form-encoded.
func HandleToken(b *Broker, guard *APIKeyGuard, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		if err := guard.Check(r.Header.Get(APIKeyHeader)); err != nil {
			logger.Warn("broker request with bad API key", slog.String("remote_addr", r.RemoteAddr))
			httputil.WriteError(w, logger, err)

			return
		}

		req, err := decodeRequest(r)
		if err != nil {
			httputil.WriteError(w, logger, err)
			return
		}

		payload, err := b.BrokerToken(r.Context(), req)
		if err != nil {
			httputil.WriteError(w, logger, err)
			return
		}

		httputil.RenderToken(w, payload)
	}
}

func decodeRequest(r *http.Request) (models.BrokerRequest, error) {
	var req models.BrokerRequest

	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("%w: invalid form data", gerrors.ErrInvalidRequest)
		}

		req = models.BrokerRequest{
			Client:   r.PostFormValue("client"),
			Scope:    r.PostFormValue("scope"),
			Audience: r.PostFormValue("audience"),
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid request body", gerrors.ErrInvalidRequest)
	}

	req.Client = strings.TrimSpace(req.Client)
	req.Scope = strings.TrimSpace(req.Scope)
	req.Audience = strings.TrimSpace(req.Audience)

	if req.Client == "" {
		return req, fmt.Errorf("%w: client is required", gerrors.ErrInvalidRequest)
	}

	return req, nil
}
