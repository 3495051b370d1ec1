package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/platform/config"
)

// FirebaseVerifier verifies Firebase ID tokens through the Admin SDK.
type FirebaseVerifier struct {
	client         *firebaseauth.Client
	timeout        time.Duration
	checkRevoked   bool
	clientOptsHook []option.ClientOption
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRevocationCheck makes every verification also consult the revocation list, so a
// disabled staff or courier account loses access before its token expires.
func WithRevocationCheck() FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.checkRevoked = true
	}
}

// WithFirebaseClientOptions forwards extra client options to the Admin SDK.
func WithFirebaseClientOptions(opts ...option.ClientOption) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.clientOptsHook = append(v.clientOptsHook, opts...)
	}
}

// NewFirebaseVerifier constructs a FirebaseVerifier backed by the Admin SDK. The SDK honours
// FIREBASE_AUTH_EMULATOR_HOST on its own.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	verifier := &FirebaseVerifier{timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}

	clientOpts := append([]option.ClientOption(nil), verifier.clientOptsHook...)
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	verifier.client = authClient
	return verifier, nil
}

// VerifyIDToken forwards verification to the Firebase client using a bounded context.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	if v.checkRevoked {
		token, err := v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
		if err != nil && firebaseauth.IsIDTokenRevoked(err) {
			return nil, fmt.Errorf("%w: token revoked", ErrTokenInvalid)
		}
		return token, err
	}
	return v.client.VerifyIDToken(ctx, idToken)
}
