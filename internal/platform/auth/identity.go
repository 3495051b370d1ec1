package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/orders/internal/domain"
)

// Identity captures the authenticated principal resolved from a Firebase ID token.
// Role is always one of the domain roles once the identity reaches a handler.
type Identity struct {
	UID   string
	Email string
	Name  string
	Role  domain.Role

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity carries any of the supplied roles.
func (i *Identity) HasRole(roles ...domain.Role) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

// Actor converts the identity into the domain actor used by services. A nil identity is a guest.
func (i *Identity) Actor() *domain.Actor {
	if i == nil || strings.TrimSpace(i.UID) == "" {
		return nil
	}
	return &domain.Actor{ID: i.UID, Role: i.Role}
}

type contextKey string

const (
	identityContextKey   contextKey = "github.com/hanko-field/orders/internal/platform/auth/identity"
	credentialContextKey contextKey = "github.com/hanko-field/orders/internal/platform/auth/credential_error"
)

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// ActorFromContext returns the domain actor for the request, or nil for guests.
func ActorFromContext(ctx context.Context) *domain.Actor {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return nil
	}
	return identity.Actor()
}

// WithCredentialError records that a credential was presented but could not be verified.
func WithCredentialError(ctx context.Context, err error) context.Context {
	if err == nil {
		return ctx
	}
	return context.WithValue(ctx, credentialContextKey, err)
}

// CredentialError reports the verification failure recorded by OptionalAuth, if any.
func CredentialError(ctx context.Context) (error, bool) {
	err, ok := ctx.Value(credentialContextKey).(error)
	if !ok || err == nil {
		return nil, false
	}
	return err, true
}
