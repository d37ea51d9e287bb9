// Package signature provides stateless HMAC request signing and
// verification with replay protection.
//
// A request is signed over the canonical string
//
//	UPPER(METHOD) \n PATH \n TIMESTAMP \n hex(sha256(BODY))
//
// where an empty body contributes an empty line rather than the digest of
// the empty string. Only the client secret table is stored; no per-request
// state is kept.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/internal/crypto"
	"github.com/aloks98/agentauth/store"
)

// Header names for signed requests.
const (
	HeaderClientID  = "X-Client-ID"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Algorithm names a keyed hash used for signatures.
type Algorithm string

// Supported algorithms.
const (
	SHA256   Algorithm = "sha256"
	SHA384   Algorithm = "sha384"
	SHA512   Algorithm = "sha512"
	SHA3_256 Algorithm = "sha3-256"
)

// DefaultTolerance is the accepted clock difference for request timestamps.
const DefaultTolerance = 300 * time.Second

// Errors returned by the signature service.
var (
	// ErrMissingHeaders indicates one or more signing headers are absent.
	ErrMissingHeaders = errors.New("missing signature headers")

	// ErrUnsupportedAlgorithm indicates an unknown hash algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

	// ErrClientIDRequired indicates a client ID was not supplied.
	ErrClientIDRequired = errors.New("client id is required")

	// ErrSecretRequired indicates an empty client secret.
	ErrSecretRequired = errors.New("client secret is required")

	// ErrUnknownClient indicates no secret is registered for the client.
	ErrUnknownClient = errors.New("unknown client")
)

// New returns the hash constructor for an algorithm.
func (a Algorithm) New() (func() hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New, nil
	case SHA384:
		return sha512.New384, nil
	case SHA512:
		return sha512.New, nil
	case SHA3_256:
		return sha3.New256, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
}

// CanonicalString builds the string that is signed for a request.
func CanonicalString(method, path, timestamp string, body []byte) string {
	bodyHash := ""
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		bodyHash = hex.EncodeToString(sum[:])
	}
	return strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + bodyHash
}

// Compute returns the hex-encoded keyed hash of message.
func Compute(alg Algorithm, secret []byte, message string) (string, error) {
	newHash, err := alg.New()
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Equal compares a hex-encoded signature against the expected keyed hash
// of message in constant time.
func Equal(alg Algorithm, secret []byte, message, signature string) bool {
	newHash, err := alg.New()
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, secret)
	mac.Write([]byte(message))
	return hmac.Equal(mac.Sum(nil), provided)
}

// Config holds configuration for the signature service.
type Config struct {
	// Algorithm is the keyed hash used. Default is SHA256.
	Algorithm Algorithm

	// Tolerance is the accepted clock difference. Default is 300s.
	Tolerance time.Duration

	// Logger receives the reason a request was rejected at debug level.
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service verifies signed requests against registered client secrets.
type Service struct {
	config *Config
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new signature service.
func NewService(cfg *Config, s store.Store) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = SHA256
	}
	if _, err := cfg.Algorithm.New(); err != nil {
		return nil, err
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{config: cfg, store: s, logger: logger}, nil
}

// Algorithm returns the configured algorithm.
func (s *Service) Algorithm() Algorithm {
	return s.config.Algorithm
}

// GenerateClientSecret returns a new random 256-bit secret, hex encoded.
func GenerateClientSecret() (string, error) {
	return crypto.RandomHex(32)
}

// RegisterClient stores or replaces the shared secret for a client.
func (s *Service) RegisterClient(ctx context.Context, clientID, secret string, roles []string) error {
	if clientID == "" {
		return ErrClientIDRequired
	}
	if secret == "" {
		return ErrSecretRequired
	}
	client := &store.HMACClient{
		ClientID:  clientID,
		Secret:    secret,
		Roles:     roles,
		CreatedAt: time.Now(),
	}
	if err := store.PutJSON(ctx, s.store, store.TableHMACClients, clientID, client); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	s.logger.Debug("hmac client registered", "client_id", clientID)
	return nil
}

// RemoveClient deletes a client's secret. Reports whether it existed.
func (s *Service) RemoveClient(ctx context.Context, clientID string) (bool, error) {
	return s.store.Delete(ctx, store.TableHMACClients, clientID)
}

func (s *Service) client(ctx context.Context, clientID string) (*store.HMACClient, error) {
	if clientID == "" {
		return nil, nil
	}
	return store.GetJSON[store.HMACClient](ctx, s.store, store.TableHMACClients, clientID)
}

// GenerateSignature signs a request on behalf of a registered client.
func (s *Service) GenerateSignature(ctx context.Context, clientID, method, path, timestamp string, body []byte) (string, error) {
	c, err := s.client(ctx, clientID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrUnknownClient
	}
	return Compute(s.config.Algorithm, []byte(c.Secret), CanonicalString(method, path, timestamp, body))
}

// Timestamp returns the current time in the wire format.
func (s *Service) Timestamp() string {
	return strconv.FormatInt(s.config.Now().Unix(), 10)
}

// checkTimestamp reports whether ts lies within the tolerance window.
func (s *Service) checkTimestamp(ts string) error {
	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return errors.New("malformed timestamp")
	}
	diff := s.config.Now().Unix() - sec
	if diff < 0 {
		diff = -diff
	}
	if diff < 0 || diff > int64(s.config.Tolerance/time.Second) {
		return errors.New("timestamp outside tolerance")
	}
	return nil
}

// VerifySignature verifies a signed request. It returns false without an
// error on any verification failure; errors are reserved for store
// failures. The timestamp is checked before any secret is read.
func (s *Service) VerifySignature(ctx context.Context, clientID, signature, timestamp, method, path string, body []byte) (bool, error) {
	c, err := s.verify(ctx, clientID, signature, timestamp, method, path, body)
	return c != nil, err
}

// verify returns the client on success and nil on any verification failure.
func (s *Service) verify(ctx context.Context, clientID, signature, timestamp, method, path string, body []byte) (*store.HMACClient, error) {
	if err := s.checkTimestamp(timestamp); err != nil {
		s.logger.Debug("hmac request rejected", "client_id", clientID, "reason", err.Error())
		return nil, nil
	}

	c, err := s.client(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		s.logger.Debug("hmac request rejected", "client_id", clientID, "reason", "unknown client")
		return nil, nil
	}

	if !Equal(s.config.Algorithm, []byte(c.Secret), CanonicalString(method, path, timestamp, body), signature) {
		s.logger.Debug("hmac request rejected", "client_id", clientID, "reason", "signature mismatch")
		return nil, nil
	}
	return c, nil
}

// AuthenticateRequest verifies a request from its headers. It returns the
// client ID on success and "" on any verification failure. ErrMissingHeaders
// is returned when any of the three signing headers is absent.
func (s *Service) AuthenticateRequest(ctx context.Context, headers http.Header, method, path string, body []byte) (string, error) {
	clientID := HeaderValue(headers, HeaderClientID)
	sig := HeaderValue(headers, HeaderSignature)
	ts := HeaderValue(headers, HeaderTimestamp)
	if clientID == "" || sig == "" || ts == "" {
		return "", ErrMissingHeaders
	}

	ok, err := s.VerifySignature(ctx, clientID, sig, ts, method, path, body)
	if err != nil || !ok {
		return "", err
	}
	return clientID, nil
}

// Request is a signed request presented for authentication.
type Request struct {
	ClientID  string
	Signature string
	Timestamp string
	Method    string
	Path      string
	Body      []byte
}

// Authenticate verifies a signed request and returns the client's user
// context. Returns nil, nil on any verification failure.
func (s *Service) Authenticate(ctx context.Context, req Request) (*identity.UserContext, error) {
	if req.ClientID == "" || req.Signature == "" || req.Timestamp == "" {
		return nil, ErrMissingHeaders
	}
	c, err := s.verify(ctx, req.ClientID, req.Signature, req.Timestamp, req.Method, req.Path, req.Body)
	if err != nil || c == nil {
		return nil, err
	}
	return &identity.UserContext{
		UserID:     c.ClientID,
		Username:   c.ClientID,
		Roles:      c.Roles,
		AuthMethod: identity.AuthMethodHMAC,
		Attributes: map[string]any{
			"algorithm": string(s.config.Algorithm),
		},
	}, nil
}

// HeaderValue returns the first value of a header, matching the name
// case-insensitively even when the map keys are not canonicalized.
func HeaderValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
