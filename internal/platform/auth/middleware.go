package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/orders/internal/domain"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultNameClaim     = "name"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
	// ErrCredentialMissing signals that no bearer credential was supplied.
	ErrCredentialMissing = errors.New("auth: credential missing")
	// ErrRoleLookup signals that the actor store could not be consulted for a role.
	ErrRoleLookup = errors.New("auth: role lookup failed")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// ActorFinder loads the stored actor record used when a token carries no role claim.
type ActorFinder interface {
	FindByID(ctx context.Context, actorID string) (domain.Actor, error)
}

// Authenticator turns bearer credentials into identities and wires them into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	actors   ActorFinder

	roleClaim  string
	emailClaim string
	nameClaim  string
	timeout    time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithActorFinder enables the actor-store role fallback.
func WithActorFinder(finder ActorFinder) Option {
	return func(a *Authenticator) {
		a.actors = finder
	}
}

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens and loading actors.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:   verifier,
		roleClaim:  defaultRoleClaim,
		emailClaim: defaultEmailClaim,
		nameClaim:  defaultNameClaim,
		timeout:    defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Resolve verifies the bearer credential and returns the identity with its role settled.
func (a *Authenticator) Resolve(ctx context.Context, bearer string) (*Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, ErrCredentialMissing
	}
	if a == nil || a.verifier == nil {
		return nil, fmt.Errorf("%w: verifier not configured", ErrTokenInvalid)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	token, err := a.verifier.VerifyIDToken(ctx, bearer)
	if err != nil {
		return nil, classifyVerificationError(err)
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrTokenInvalid)
	}

	role, err := a.resolveRole(ctx, token)
	if err != nil {
		return nil, err
	}

	return &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, a.emailClaim),
		Name:  claimAsString(token.Claims, a.nameClaim),
		Role:  role,
		token: token,
	}, nil
}

// rolePrecedence settles claims that grant several roles.
var rolePrecedence = []domain.Role{domain.RoleAdmin, domain.RoleDelivery, domain.RoleCustomer}

// resolveRole is the single role policy: a recognised role claim wins, the highest by
// rolePrecedence when several are granted, otherwise one lookup against the actor store decides.
// Actors without a stored record are customers.
func (a *Authenticator) resolveRole(ctx context.Context, token *firebaseauth.Token) (domain.Role, error) {
	if role, ok := highestRole(rolesFromClaims(token.Claims, a.roleClaim)); ok {
		return role, nil
	}
	if a.actors == nil {
		return domain.RoleCustomer, nil
	}

	actor, err := a.actors.FindByID(ctx, token.UID)
	if err != nil {
		if isNotFound(err) {
			return domain.RoleCustomer, nil
		}
		return "", fmt.Errorf("%w: %v", ErrRoleLookup, err)
	}
	if !actor.Role.Valid() {
		return domain.RoleCustomer, nil
	}
	return actor.Role, nil
}

// RequireAuth rejects requests without a valid credential, and with a role outside allowedRoles
// when any are given.
func (a *Authenticator) RequireAuth(allowedRoles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			identity, err := a.Resolve(r.Context(), tokenStr)
			if err != nil {
				respondVerificationError(w, err)
				return
			}

			if len(allowedRoles) > 0 && !identity.HasRole(allowedRoles...) {
				respondAuthError(w, http.StatusForbidden, "access_denied", "access denied")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// OptionalAuth attaches an identity when a valid credential is supplied. Any failure to resolve a
// presented credential, including an unavailable actor store, is recorded with WithCredentialError
// and the request continues as a guest.
func (a *Authenticator) OptionalAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			tokenStr, ok := extractBearerToken(header)
			if !ok {
				next.ServeHTTP(w, r.WithContext(WithCredentialError(ctx, fmt.Errorf("%w: malformed authorization header", ErrTokenInvalid))))
				return
			}

			identity, err := a.Resolve(ctx, tokenStr)
			if err != nil {
				next.ServeHTTP(w, r.WithContext(WithCredentialError(ctx, err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func highestRole(candidates []string) (domain.Role, bool) {
	granted := make(map[domain.Role]struct{}, len(candidates))
	for _, candidate := range candidates {
		granted[domain.Role(candidate)] = struct{}{}
	}
	for _, role := range rolePrecedence {
		if _, ok := granted[role]; ok {
			return role, true
		}
	}
	return "", false
}

func classifyVerificationError(err error) error {
	switch {
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenInvalid):
		return err
	case firebaseauth.IsIDTokenExpired(err):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

func isNotFound(err error) bool {
	var notFound interface{ IsNotFound() bool }
	return errors.As(err, &notFound) && notFound.IsNotFound()
}

func rolesFromClaims(claims map[string]interface{}, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		if role := normaliseRole(v); role != "" {
			return []string{role}
		}
		return nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, value := range v {
			if str, ok := value.(string); ok {
				if role := normaliseRole(str); role != "" {
					out = append(out, role)
				}
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if role := normaliseRole(item); role != "" {
				out = append(out, role)
			}
		}
		return out
	case map[string]interface{}:
		out := make([]string, 0, len(v))
		for key, value := range v {
			if enabled, ok := value.(bool); ok && enabled {
				if role := normaliseRole(key); role != "" {
					out = append(out, role)
				}
			}
		}
		sort.Strings(out)
		return out
	default:
		return nil
	}
}

func claimAsString(claims map[string]interface{}, key string) string {
	raw, ok := claims[key]
	if !ok {
		return ""
	}
	if v, ok := raw.(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRoleLookup):
		respondAuthError(w, http.StatusServiceUnavailable, "identity_unavailable", "unable to resolve caller role")
	case errors.Is(err, ErrTokenExpired):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrCredentialMissing):
		respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	}
}
