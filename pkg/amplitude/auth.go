package amplitude

import (
	"encoding/base64"
	stderrors "errors"

	"github.com/padak/keboola-amplitude/pkg/errors"
)

// AuthScheme identifies how credentials attach to a request. Exactly one
// scheme attaches per operation, fixed in the endpoint registry.
type AuthScheme int

const (
	// AuthBodyAPIKey injects api_key into the JSON request body
	AuthBodyAPIKey AuthScheme = iota
	// AuthFormAPIKey injects api_key into the form-encoded request body
	AuthFormAPIKey
	// AuthBasicPair sets Authorization: Basic base64(api_key:secret_key)
	AuthBasicPair
	// AuthHeaderAPIKeySecret sets Authorization: Api-Key {secret_key}
	AuthHeaderAPIKeySecret
)

// String returns the scheme name used in logs.
func (s AuthScheme) String() string {
	switch s {
	case AuthBodyAPIKey:
		return "body_api_key"
	case AuthFormAPIKey:
		return "form_api_key"
	case AuthBasicPair:
		return "basic_auth_pair"
	case AuthHeaderAPIKeySecret:
		return "header_api_key_secret"
	default:
		return "unknown"
	}
}

// Credentials holds the Amplitude credential pair. The secret key is only
// required for the Export and User Profile APIs. Credentials are owned by
// the caller and never mutated.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// ErrMissingSecret indicates an operation requiring the secret key was
// called without one configured.
var ErrMissingSecret = stderrors.New("secret key required")

// applyAuth attaches credentials to a request draft according to the scheme.
//
// Body-based schemes never touch the Authorization header, and header-based
// schemes never place the api_key in the body. Content-Type is left alone
// entirely; it is attached per request by the builder based on body encoding,
// because GET operations must carry no Content-Type at all.
func applyAuth(scheme AuthScheme, creds Credentials, d *requestDraft) error {
	switch scheme {
	case AuthBodyAPIKey:
		d.bodyJSON["api_key"] = creds.APIKey

	case AuthFormAPIKey:
		d.form.Set("api_key", creds.APIKey)

	case AuthBasicPair:
		if creds.SecretKey == "" {
			return errors.Wrap(ErrMissingSecret, errors.ErrorTypeConfig,
				"the Export API requires both api_key and secret_key").
				WithDetail("auth_scheme", scheme.String())
		}
		pair := base64.StdEncoding.EncodeToString([]byte(creds.APIKey + ":" + creds.SecretKey))
		d.header.Set("Authorization", "Basic "+pair)

	case AuthHeaderAPIKeySecret:
		if creds.SecretKey == "" {
			return errors.Wrap(ErrMissingSecret, errors.ErrorTypeConfig,
				"the User Profile API requires secret_key").
				WithDetail("auth_scheme", scheme.String())
		}
		// The "Api-Key" prefix is the literal, case-sensitive scheme name
		// the User Profile API expects. It is not a Bearer token.
		d.header.Set("Authorization", "Api-Key "+creds.SecretKey)

	default:
		return errors.Newf(errors.ErrorTypeInternal, "unknown auth scheme %d", scheme)
	}

	return nil
}
