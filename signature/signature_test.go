package signature

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aloks98/agentauth/identity"
	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/store/memory"
)

const testSecret = "4f6c0a3b9d2e8f1a7c5b3e9d0f2a4c6e8b1d3f5a7c9e0b2d4f6a8c0e2b4d6f8a"

func newTestService(t *testing.T, alg Algorithm, now func() time.Time) *Service {
	t.Helper()
	svc, err := NewService(&Config{Algorithm: alg, Now: now}, memory.New())
	require.NoError(t, err)
	require.NoError(t, svc.RegisterClient(context.Background(), "client-1", testSecret, []string{"developer"}))
	return svc
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCanonicalString(t *testing.T) {
	t.Run("empty body contributes empty line", func(t *testing.T) {
		got := CanonicalString("post", "/v1/tool", "1700000000", nil)
		assert.Equal(t, "POST\n/v1/tool\n1700000000\n", got)
	})

	t.Run("body is hashed", func(t *testing.T) {
		got := CanonicalString("GET", "/x", "1", []byte("hello"))
		assert.Equal(t, "GET\n/x\n1\n2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)
	})
}

func TestNewService(t *testing.T) {
	svc, err := NewService(nil, memory.New())
	require.NoError(t, err)
	assert.Equal(t, SHA256, svc.Algorithm())
	assert.Equal(t, DefaultTolerance, svc.config.Tolerance)

	_, err = NewService(&Config{Algorithm: "md5"}, memory.New())
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestRegisterClient(t *testing.T) {
	svc, err := NewService(nil, memory.New())
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, svc.RegisterClient(ctx, "", "secret", nil), ErrClientIDRequired)
	assert.ErrorIs(t, svc.RegisterClient(ctx, "c", "", nil), ErrSecretRequired)

	secret, err := GenerateClientSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)
	require.NoError(t, svc.RegisterClient(ctx, "c", secret, nil))

	removed, err := svc.RemoveClient(ctx, "c")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = svc.GenerateSignature(ctx, "c", "GET", "/", "1", nil)
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestVerifySignature_Algorithms(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	for _, alg := range []Algorithm{SHA256, SHA384, SHA512, SHA3_256} {
		t.Run(string(alg), func(t *testing.T) {
			svc := newTestService(t, alg, fixedClock(now))
			ts := svc.Timestamp()
			body := []byte(`{"tool":"search"}`)

			sig, err := svc.GenerateSignature(ctx, "client-1", "POST", "/v1/tool", ts, body)
			require.NoError(t, err)

			ok, err := svc.VerifySignature(ctx, "client-1", sig, ts, "POST", "/v1/tool", body)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestVerifySignature_Failures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()
	svc := newTestService(t, SHA256, fixedClock(now))

	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"q":1}`)
	sig, err := svc.GenerateSignature(ctx, "client-1", "POST", "/v1/tool", ts, body)
	require.NoError(t, err)

	stale := strconv.FormatInt(now.Add(-(DefaultTolerance + time.Second)).Unix(), 10)
	staleSig, err := svc.GenerateSignature(ctx, "client-1", "POST", "/v1/tool", stale, body)
	require.NoError(t, err)

	future := strconv.FormatInt(now.Add(DefaultTolerance+time.Second).Unix(), 10)
	futureSig, err := svc.GenerateSignature(ctx, "client-1", "POST", "/v1/tool", future, body)
	require.NoError(t, err)

	tests := []struct {
		name     string
		clientID string
		sig      string
		ts       string
		method   string
		path     string
		body     []byte
	}{
		{name: "tampered body", clientID: "client-1", sig: sig, ts: ts, method: "POST", path: "/v1/tool", body: []byte(`{"q":2}`)},
		{name: "tampered path", clientID: "client-1", sig: sig, ts: ts, method: "POST", path: "/v1/other", body: body},
		{name: "tampered method", clientID: "client-1", sig: sig, ts: ts, method: "PUT", path: "/v1/tool", body: body},
		{name: "stale timestamp with valid signature", clientID: "client-1", sig: staleSig, ts: stale, method: "POST", path: "/v1/tool", body: body},
		{name: "future timestamp with valid signature", clientID: "client-1", sig: futureSig, ts: future, method: "POST", path: "/v1/tool", body: body},
		{name: "malformed timestamp", clientID: "client-1", sig: sig, ts: "yesterday", method: "POST", path: "/v1/tool", body: body},
		{name: "unknown client", clientID: "client-2", sig: sig, ts: ts, method: "POST", path: "/v1/tool", body: body},
		{name: "non hex signature", clientID: "client-1", sig: "zz", ts: ts, method: "POST", path: "/v1/tool", body: body},
		{name: "truncated signature", clientID: "client-1", sig: sig[:10], ts: ts, method: "POST", path: "/v1/tool", body: body},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := svc.VerifySignature(ctx, tt.clientID, tt.sig, tt.ts, tt.method, tt.path, tt.body)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerifySignature_LowercaseMethodSignsSame(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()
	svc := newTestService(t, SHA256, fixedClock(now))
	ts := svc.Timestamp()

	sig, err := svc.GenerateSignature(ctx, "client-1", "post", "/v1/tool", ts, nil)
	require.NoError(t, err)

	ok, err := svc.VerifySignature(ctx, "client-1", sig, ts, "POST", "/v1/tool", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthenticateRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()
	svc := newTestService(t, SHA256, fixedClock(now))
	ts := svc.Timestamp()
	body := []byte("payload")

	sig, err := svc.GenerateSignature(ctx, "client-1", "POST", "/v1/tool", ts, body)
	require.NoError(t, err)

	t.Run("success with non-canonical header keys", func(t *testing.T) {
		h := http.Header{
			"x-client-id": {"client-1"},
			"X-SIGNATURE": {sig},
			"x-timestamp": {ts},
		}
		clientID, err := svc.AuthenticateRequest(ctx, h, "POST", "/v1/tool", body)
		require.NoError(t, err)
		assert.Equal(t, "client-1", clientID)
	})

	t.Run("missing header", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderClientID, "client-1")
		h.Set(HeaderSignature, sig)
		_, err := svc.AuthenticateRequest(ctx, h, "POST", "/v1/tool", body)
		assert.ErrorIs(t, err, ErrMissingHeaders)
	})

	t.Run("mismatch returns empty client", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderClientID, "client-1")
		h.Set(HeaderSignature, sig)
		h.Set(HeaderTimestamp, ts)
		clientID, err := svc.AuthenticateRequest(ctx, h, "POST", "/v1/tool", []byte("other"))
		require.NoError(t, err)
		assert.Empty(t, clientID)
	})
}

func TestAuthenticate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()
	svc := newTestService(t, SHA256, fixedClock(now))
	ts := svc.Timestamp()

	sig, err := svc.GenerateSignature(ctx, "client-1", "GET", "/v1/agents", ts, nil)
	require.NoError(t, err)

	uc, err := svc.Authenticate(ctx, Request{ClientID: "client-1", Signature: sig, Timestamp: ts, Method: "GET", Path: "/v1/agents"})
	require.NoError(t, err)
	require.NotNil(t, uc)
	assert.Equal(t, "client-1", uc.UserID)
	assert.Equal(t, identity.AuthMethodHMAC, uc.AuthMethod)
	assert.Equal(t, []string{"developer"}, uc.Roles)

	uc, err = svc.Authenticate(ctx, Request{ClientID: "client-1", Signature: sig, Timestamp: ts, Method: "GET", Path: "/v1/other"})
	require.NoError(t, err)
	assert.Nil(t, uc)

	_, err = svc.Authenticate(ctx, Request{ClientID: "client-1"})
	assert.ErrorIs(t, err, ErrMissingHeaders)
}

func TestStatelessAcrossInstances(t *testing.T) {
	// Two services sharing only the client table verify each other's signatures.
	shared := memory.New()
	ctx := context.Background()

	a, err := NewService(nil, shared)
	require.NoError(t, err)
	b, err := NewService(nil, shared)
	require.NoError(t, err)
	require.NoError(t, a.RegisterClient(ctx, "client-1", testSecret, nil))

	ts := a.Timestamp()
	sig, err := a.GenerateSignature(ctx, "client-1", "GET", "/", ts, nil)
	require.NoError(t, err)

	ok, err := b.VerifySignature(ctx, "client-1", sig, ts, "GET", "/", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	tables, err := shared.List(ctx, store.TableHMACClients)
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}

func TestSignRequest(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(nil, memory.New())
	require.NoError(t, err)
	require.NoError(t, svc.RegisterClient(ctx, "client-1", testSecret, nil))

	body := []byte(`{"input":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tool?debug=1", bytes.NewReader(body))
	require.NoError(t, SignRequest(req, "client-1", []byte(testSecret), SHA256))

	// Body is still readable after signing.
	restored, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, restored)

	clientID, err := svc.AuthenticateRequest(ctx, req.Header, req.Method, req.URL.Path, restored)
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
}
