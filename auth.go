package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
)

const graphScope = "https://graph.microsoft.com/.default"

// TokenSource yields a bearer credential for a resource scope. It is
// structurally identical to azcore.TokenCredential so every azidentity
// credential satisfies it, and tests can substitute a fake without touching
// any browser flow.
type TokenSource interface {
	GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error)
}

var _ TokenSource = azcore.TokenCredential(nil)

// TenantSession pairs a tenant label with an active credential. The label
// comes from the token's unverified "tid" claim and is display-only. The
// session lives from sign-in until process exit; refresh behavior is whatever
// the underlying credential does on each GetToken call.
type TenantSession struct {
	TenantID string
	cred     TokenSource
}

// NewTenantSession acquires an initial token (for an interactive credential
// this is the point where the browser challenge opens; it can block for as
// long as the operator takes) and labels the session with the tenant it
// landed in.
func NewTenantSession(ctx context.Context, cred TokenSource) (*TenantSession, error) {
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{graphScope}})
	if err != nil {
		return nil, &AuthError{Tenant: "unknown", Err: err}
	}
	tid, err := tenantLabelFromToken(tok.Token)
	if err != nil {
		return nil, &AuthError{Tenant: "unknown", Err: err}
	}
	return &TenantSession{TenantID: tid, cred: cred}, nil
}

// Token requests a fresh bearer token for the given scope. No caching here;
// the credential object may cache internally.
func (s *TenantSession) Token(ctx context.Context, scope string) (string, error) {
	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return "", &AuthError{Tenant: s.TenantID, Err: err}
	}
	return tok.Token, nil
}

// tenantLabelFromToken extracts the "tid" claim from an access token.
// Note: We use ParseUnverified because we don't need to validate the token's
// signature. We are only extracting the tenant ID claim from a token we have
// just received directly from Azure AD, which we trust as the source, and the
// value is used purely to label the session in output.
// This is NOT safe for authenticating incoming requests.
func tenantLabelFromToken(token string) (string, error) {
	parser := new(jwt.Parser)
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	tid, ok := claims["tid"].(string)
	if !ok {
		return "", errors.New("could not find 'tid' claim in token")
	}
	return tid, nil
}

// newCredential builds a token source from config. Interactive auth opens a
// browser on first token request; clientid auth uses the app registration
// secret.
func newCredential(cfg Config) (TokenSource, error) {
	switch cfg.AuthMethod {
	case "interactive":
		cred, err := azidentity.NewInteractiveBrowserCredential(&azidentity.InteractiveBrowserCredentialOptions{
			TenantID: cfg.TenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating interactive credential: %w", err)
		}
		return cred, nil
	case "clientid":
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating credential from secret: %w", err)
		}
		return cred, nil
	default:
		return nil, fmt.Errorf("invalid auth method: %s", cfg.AuthMethod)
	}
}

// credentialForTenant is newCredential with the tenant overridden, used when
// the source and destination sides of a migration authenticate separately.
func credentialForTenant(cfg Config, tenantID string) (TokenSource, error) {
	cfg.TenantID = tenantID
	return newCredential(cfg)
}
