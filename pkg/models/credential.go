package models

import (
	"encoding/json"
	"time"
)

// Credential is a named secret bound to a user, optionally shared into
// projects. The body may contain OAuth fields (access_token, refresh_token,
// expires_at) requiring server-side refresh before being handed to a worker.
type Credential struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	Body          map[string]any `json:"body"`
	Schema        string         `json:"schema,omitempty"` // JSON schema describing the body shape
	ProjectIDs    []string       `json:"project_ids"`      // Projects the credential is shared with
	OAuthClientID *string        `json:"oauth_client_id,omitempty"`
	TokenEndpoint string         `json:"token_endpoint,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SharedWith reports whether the credential is available to the project.
func (c *Credential) SharedWith(projectID string) bool {
	for _, id := range c.ProjectIDs {
		if id == projectID {
			return true
		}
	}

	return false
}

// OAuthToken is the OAuth-shaped portion of a credential body, when present.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuthFields extracts an OAuth token from the credential body. A body is
// OAuth-shaped only when both expires_at and refresh_token are present.
func (c *Credential) OAuthFields() (*OAuthToken, bool) {
	refresh, ok := c.Body["refresh_token"].(string)
	if !ok || refresh == "" {
		return nil, false
	}

	expiresAt, ok := parseExpiresAt(c.Body["expires_at"])
	if !ok {
		return nil, false
	}

	access, _ := c.Body["access_token"].(string)

	return &OAuthToken{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, true
}

// parseExpiresAt accepts the formats providers actually send back: unix
// seconds (number or numeric string) or RFC3339.
func parseExpiresAt(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	case json.Number:
		seconds, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}

		return time.Unix(seconds, 0).UTC(), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}

		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
