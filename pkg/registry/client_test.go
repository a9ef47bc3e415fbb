package registry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

func newTokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "registry.test", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:library/alpine:pull", r.URL.Query().Get("scope"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FetchToken(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantToken Token
		wantErr   bool
	}{
		{
			name:      "success",
			status:    http.StatusOK,
			body:      `{"token":"abc","expires_in":300}`,
			wantToken: "abc",
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"details":"denied"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			status:  http.StatusOK,
			body:    `{"token":`,
			wantErr: true,
		},
		{
			name:    "missing token field",
			status:  http.StatusOK,
			body:    `{"access_token":"abc"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTokenServer(t, tt.status, tt.body)
			c := NewClient(WithAuthURL(srv.URL+"/token"), WithService("registry.test"))

			token, err := c.FetchToken(context.Background(), "library/alpine")
			if tt.wantErr {
				var authErr *AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, "library/alpine", authErr.Repository)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestClient_FetchToken_StatusInError(t *testing.T) {
	srv := newTokenServer(t, http.StatusForbidden, "nope")
	c := NewClient(WithAuthURL(srv.URL), WithService("registry.test"))

	_, err := c.FetchToken(context.Background(), "library/alpine")

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.StatusCode)
	assert.Equal(t, "nope", authErr.Body)
	assert.Contains(t, err.Error(), "403")
}

func TestClient_FetchManifest(t *testing.T) {
	manifest := `{"schemaVersion":2,"layers":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/alpine/manifests/latest", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Accept"), "application/vnd.docker.distribution.manifest.v2+json")
		assert.Contains(t, r.Header.Get("Accept"), "application/vnd.docker.distribution.manifest.list.v2+json")
		assert.Contains(t, r.Header.Get("User-Agent"), UserAgent)
		io.WriteString(w, manifest)
	}))
	defer srv.Close()

	c := NewClient(WithRegistryURL(srv.URL + "/"))
	data, err := c.FetchManifest(context.Background(), "library/alpine", "latest", testToken)
	require.NoError(t, err)
	assert.JSONEq(t, manifest, string(data))
}

func TestClient_FetchManifest_ErrorCapturesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`)
	}))
	defer srv.Close()

	c := NewClient(WithRegistryURL(srv.URL))
	_, err := c.FetchManifest(context.Background(), "library/alpine", "missing", testToken)

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "manifest", regErr.Op)
	assert.Equal(t, http.StatusNotFound, regErr.StatusCode)
	assert.Contains(t, regErr.Body, "MANIFEST_UNKNOWN")
}

func TestClient_FetchBlob(t *testing.T) {
	digest := v1.Hash{Algorithm: "sha256", Hex: strings.Repeat("a", 64)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/library/alpine/blobs/"+digest.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		io.WriteString(w, "blob-content")
	}))
	defer srv.Close()

	c := NewClient(WithRegistryURL(srv.URL))

	rc, err := c.FetchBlob(context.Background(), "library/alpine", digest, testToken)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "blob-content", string(data))

	missing := v1.Hash{Algorithm: "sha256", Hex: strings.Repeat("b", 64)}
	_, err = c.FetchBlob(context.Background(), "library/alpine", missing, testToken)

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "blob", regErr.Op)
	assert.Equal(t, http.StatusNotFound, regErr.StatusCode)
}

func TestClient_FetchBlob_RateLimited(t *testing.T) {
	payload := strings.Repeat("x", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	c := NewClient(WithRegistryURL(srv.URL), WithRateLimit(16))
	digest := v1.Hash{Algorithm: "sha256", Hex: strings.Repeat("c", 64)}

	rc, err := c.FetchBlob(context.Background(), "library/alpine", digest, testToken)
	require.NoError(t, err)
	defer rc.Close()

	start := time.Now()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	// 64 bytes at 16 B/s with a 16 byte burst needs about three seconds.
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewClient(WithRegistryURL(srv.URL), WithAuthURL(srv.URL))

	_, err := c.FetchToken(context.Background(), "library/alpine")
	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))

	_, err = c.FetchManifest(context.Background(), "library/alpine", "latest", testToken)
	var regErr *RegistryError
	assert.True(t, errors.As(err, &regErr))
}
