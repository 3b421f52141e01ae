package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/aussiebroadwan/authclient/pkg/autherr"
)

// GetSessions lists the user's active sessions on the backend.
func (c *Client) GetSessions(ctx context.Context) ([]SessionInfo, error) {
	resp, err := c.pipe.do(ctx, &Request{
		Method: http.MethodGet,
		Path:   c.cfg.Endpoints.Sessions,
	})
	if err != nil {
		return nil, err
	}

	var sessions []SessionInfo
	if json.Unmarshal(resp.Body, &sessions) == nil {
		return sessions, nil
	}

	var wrapped struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := decode(resp, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Sessions, nil
}

// RevokeSession ends one of the user's sessions. Revoking the current one
// signs this client out at its next refresh.
func (c *Client) RevokeSession(ctx context.Context, id string) error {
	if id == "" {
		return validationError("id", "session id is required")
	}

	_, err := c.pipe.do(ctx, &Request{
		Method: http.MethodDelete,
		Path:   strings.ReplaceAll(c.cfg.Endpoints.Session, "{id}", url.PathEscape(id)),
	})
	if autherr.IsKind(err, autherr.KindNotFound) {
		c.logger.Debug("Session already gone", "session_id", id)
	}
	return err
}
