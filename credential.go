package agentauth

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/aloks98/agentauth/signature"
	"github.com/aloks98/agentauth/token"
)

// Header names recognized by ExtractCredential.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
	HeaderClientID      = signature.HeaderClientID
	HeaderSignature     = signature.HeaderSignature
	HeaderTimestamp     = signature.HeaderTimestamp
)

// Credential schemes.
const (
	SchemeAPIKey = "api_key"
	SchemeBearer = "bearer"
	SchemeJWT    = "jwt"
	SchemeHMAC   = "hmac"
)

// Credential is a presented credential. It is implemented only by the
// credential types in this package.
type Credential interface {
	// Scheme names the authority that verifies the credential.
	Scheme() string

	isCredential()
}

// APIKeyCredential is a static API key.
type APIKeyCredential struct {
	Key string
}

// BearerCredential is an opaque bearer token. JWT-shaped values are
// verified as JWTs; other values fall back to the API key authority when
// no bearer token matches.
type BearerCredential struct {
	Token string
}

// JWTCredential is a signed JWT access or service token.
type JWTCredential struct {
	Token string
}

// HMACCredential is a signed request.
type HMACCredential struct {
	ClientID  string
	Signature string
	Timestamp string
	Method    string
	Path      string
	Body      []byte
}

func (APIKeyCredential) Scheme() string { return SchemeAPIKey }
func (BearerCredential) Scheme() string { return SchemeBearer }
func (JWTCredential) Scheme() string    { return SchemeJWT }
func (HMACCredential) Scheme() string   { return SchemeHMAC }

func (APIKeyCredential) isCredential() {}
func (BearerCredential) isCredential() {}
func (JWTCredential) isCredential()    {}
func (HMACCredential) isCredential()   {}

// ExtractCredential selects the credential carried by a request's headers.
// Signed requests take precedence, then X-API-Key, then an Authorization
// bearer value. A JWT-shaped bearer value yields a JWTCredential.
//
// A request carrying only some of the signing headers fails with a
// validation error; a request carrying no credential fails with
// ErrNoCredential.
func ExtractCredential(headers http.Header, method, path string, body []byte) (Credential, error) {
	clientID := signature.HeaderValue(headers, HeaderClientID)
	sig := signature.HeaderValue(headers, HeaderSignature)
	ts := signature.HeaderValue(headers, HeaderTimestamp)
	if clientID != "" || sig != "" || ts != "" {
		if clientID == "" || sig == "" || ts == "" {
			return nil, normalize(signature.ErrMissingHeaders)
		}
		return HMACCredential{
			ClientID:  clientID,
			Signature: sig,
			Timestamp: ts,
			Method:    method,
			Path:      path,
			Body:      body,
		}, nil
	}

	if key := strings.TrimSpace(signature.HeaderValue(headers, HeaderAPIKey)); key != "" {
		return APIKeyCredential{Key: key}, nil
	}

	if v := bearerValue(signature.HeaderValue(headers, HeaderAuthorization)); v != "" {
		if token.LooksLikeJWT(v) {
			return JWTCredential{Token: v}, nil
		}
		return BearerCredential{Token: v}, nil
	}

	return nil, NewAuthError(KindAuthentication, CodeNoCredential, "request carries no credential", ErrNoCredential)
}

// ExtractRequestCredential is ExtractCredential for an incoming request.
// The body is read only for signed requests and is restored afterwards.
func ExtractRequestCredential(r *http.Request) (Credential, error) {
	var body []byte
	if signature.HeaderValue(r.Header, HeaderSignature) != "" && r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, NewAuthError(KindValidation, CodeRequestInvalid, "request body unreadable", err)
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return ExtractCredential(r.Header, r.Method, r.URL.Path, body)
}

// bearerValue returns the token of a "Bearer <token>" header value.
func bearerValue(auth string) string {
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
