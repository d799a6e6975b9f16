// Package credentials materializes credential bodies for worker consumption,
// refreshing OAuth tokens just in time when they are expired or close to it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/protocol"
	"github.com/spooldev/spool/pkg/tracer"
)

// RefreshMargin is how close to expiry a token may get before a fetch
// triggers a refresh.
const RefreshMargin = 5 * time.Minute

// refreshTimeout bounds the round trip to the provider token endpoint.
const refreshTimeout = 30 * time.Second

type Materializer struct {
	store  persistence.Store
	logger *slog.Logger
	group  singleflight.Group
	trace  trace.Tracer
	now    func() time.Time
}

func NewMaterializer(store persistence.Store, logger *slog.Logger) *Materializer {
	return &Materializer{
		store:  store,
		logger: logger.With("module", "credentials"),
		now:    time.Now,
	}
}

// NewMaterializerWithClock is used by tests to control expiry decisions.
func NewMaterializerWithClock(store persistence.Store, logger *slog.Logger, now func() time.Time) *Materializer {
	m := NewMaterializer(store, logger)
	m.now = now

	return m
}

// WithTracer enables spans on token refresh.
func (m *Materializer) WithTracer(t trace.Tracer) *Materializer {
	m.trace = t

	return m
}

// Materialize loads a credential for the requesting project and returns its
// body ready to hand to a worker. Plain key/value secrets come back exactly
// as stored, types untouched. OAuth-shaped bodies are refreshed first when
// the access token expires within RefreshMargin.
func (m *Materializer) Materialize(ctx context.Context, credentialID, projectID string, supportAccess bool) (map[string]any, error) {
	credential, err := m.store.Credentials().GetByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	err = m.checkAccess(ctx, credential, projectID, supportAccess)
	if err != nil {
		return nil, err
	}

	token, ok := credential.OAuthFields()
	if !ok || token.ExpiresAt.After(m.now().UTC().Add(RefreshMargin)) {
		return copyBody(credential.Body), nil
	}

	// Concurrent fetches of the same credential share one refresh; losers
	// get the winner's body.
	body, err, _ := m.group.Do(credentialID, func() (any, error) {
		return m.refresh(ctx, credential, token)
	})
	if err != nil {
		return nil, err
	}

	refreshed, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected refresh result type %T", body)
	}

	return refreshed, nil
}

func (m *Materializer) checkAccess(ctx context.Context, credential *models.Credential, projectID string, supportAccess bool) error {
	if credential.SharedWith(projectID) {
		return nil
	}

	if supportAccess {
		project, err := m.store.Projects().GetByID(ctx, projectID)
		if err != nil {
			return err
		}

		if project.AllowSupportAccess {
			return nil
		}
	}

	return protocol.ErrCredentialAccessDenied
}

func (m *Materializer) refresh(ctx context.Context, credential *models.Credential, token *models.OAuthToken) (map[string]any, error) {
	var span trace.Span

	if m.trace != nil {
		ctx, span = tracer.StartSpan(ctx, m.trace, "credentials.refresh",
			attribute.String(tracer.CredentialIDKey, credential.ID))
		defer span.End()
	}

	if credential.TokenEndpoint == "" {
		return nil, fmt.Errorf("credential %s has no token endpoint: %w", credential.ID, protocol.ErrUpstream)
	}

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{TokenURL: credential.TokenEndpoint},
	}
	if credential.OAuthClientID != nil {
		conf.ClientID = *credential.OAuthClientID
	}

	if secret, ok := credential.Body["client_secret"].(string); ok {
		conf.ClientSecret = secret
	}

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	fresh, err := conf.TokenSource(refreshCtx, &oauth2.Token{
		RefreshToken: token.RefreshToken,
		Expiry:       token.ExpiresAt,
	}).Token()
	if err != nil {
		m.logger.WarnContext(ctx, "oauth refresh failed",
			"credential_id", credential.ID,
			"error", err)

		if span != nil {
			tracer.SetError(span, err, attribute.String(tracer.CredentialIDKey, credential.ID))
		}

		return nil, errors.Join(protocol.ErrUpstream, err)
	}

	body := copyBody(credential.Body)
	body["access_token"] = fresh.AccessToken
	body["expires_at"] = fresh.Expiry.UTC().Unix()

	// Providers that rotate refresh tokens invalidate the old one; keep the
	// rotation or the next refresh fails.
	if fresh.RefreshToken != "" {
		body["refresh_token"] = fresh.RefreshToken
	}

	err = m.validateBody(credential, body)
	if err != nil {
		return nil, err
	}

	err = m.store.Credentials().UpdateBody(ctx, credential.ID, body, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	m.logger.InfoContext(ctx, "refreshed oauth credential", "credential_id", credential.ID)

	return body, nil
}

func (m *Materializer) validateBody(credential *models.Credential, body map[string]any) error {
	if credential.Schema == "" {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(credential.Schema),
		gojsonschema.NewGoLoader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to validate credential body: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("refreshed credential body violates schema: %v", result.Errors())
	}

	return nil
}

func copyBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}

	return out
}
