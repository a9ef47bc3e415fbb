package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultRegistryURL = "https://registry.hub.docker.com"
	defaultAuthURL     = "https://auth.docker.io/token"
	defaultService     = "registry.docker.io"

	// Response bodies attached to errors are truncated to this size.
	maxErrorBody = 4096
)

// UserAgent is sent with every registry request.
var UserAgent = "nanopod/0.1"

// Token is a bearer token scoped to pulling one repository.
type Token string

// Client talks to a Docker Registry HTTP API v2 endpoint and its token service.
type Client struct {
	registryURL string
	authURL     string
	service     string

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Entry

	accept string
}

type Option func(c *Client)

func WithRegistryURL(registryURL string) Option {
	return func(c *Client) {
		c.registryURL = strings.TrimRight(registryURL, "/")
	}
}

func WithAuthURL(authURL string) Option {
	return func(c *Client) {
		c.authURL = authURL
	}
}

func WithService(service string) Option {
	return func(c *Client) {
		c.service = service
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit caps blob download throughput. Values <= 0 disable the limit.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(c *Client) {
		if bytesPerSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		registryURL: defaultRegistryURL,
		authURL:     defaultAuthURL,
		service:     defaultService,
		httpClient:  http.DefaultClient,
		logger:      logrus.WithField("component", "registry"),
		accept: strings.Join([]string{
			string(types.DockerManifestSchema2),
			string(types.DockerManifestList),
			string(types.OCIManifestSchema1),
			string(types.OCIImageIndex),
		}, ","),
	}

	for _, opt := range opts {
		opt(c)
	}

	inner := c.httpClient.Transport
	if inner == nil {
		inner = http.DefaultTransport
	}
	c.httpClient = &http.Client{
		Transport:     transport.NewUserAgent(inner, UserAgent),
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}

	return c
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken requests an anonymous pull token for repository.
func (c *Client) FetchToken(ctx context.Context, repository string) (Token, error) {
	u, err := url.Parse(c.authURL)
	if err != nil {
		return "", &AuthError{Repository: repository, Err: fmt.Errorf("invalid auth URL: %w", err)}
	}
	q := u.Query()
	q.Set("service", c.service)
	q.Set("scope", fmt.Sprintf("repository:%s:pull", repository))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &AuthError{Repository: repository, Err: err}
	}

	c.logger.WithField("repository", repository).Debug("Requesting registry token")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Repository: repository, Err: err}
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", &AuthError{
			Repository: repository,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp),
		}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &AuthError{
			Repository: repository,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode token response: %w", err),
		}
	}
	if body.Token == "" {
		return "", &AuthError{
			Repository: repository,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("token response has no token field"),
		}
	}

	return Token(body.Token), nil
}

// FetchManifest returns the raw manifest JSON for reference, which may be a
// tag or a digest.
func (c *Client) FetchManifest(ctx context.Context, repository, reference string, token Token) ([]byte, error) {
	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", c.registryURL, repository, reference)

	resp, err := c.get(ctx, manifestURL, token, c.accept)
	if err != nil {
		return nil, &RegistryError{Op: "manifest", URL: manifestURL, Err: err}
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, &RegistryError{
			Op:         "manifest",
			URL:        manifestURL,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RegistryError{
			Op:         "manifest",
			URL:        manifestURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read manifest body: %w", err),
		}
	}

	c.logger.WithFields(logrus.Fields{
		"repository":  repository,
		"reference":   reference,
		"contentType": resp.Header.Get("Content-Type"),
	}).Debug("Fetched manifest")

	return data, nil
}

// FetchBlob opens the compressed content of a layer blob. The caller must
// close the returned reader.
func (c *Client) FetchBlob(ctx context.Context, repository string, digest v1.Hash, token Token) (io.ReadCloser, error) {
	blobURL := fmt.Sprintf("%s/v2/%s/blobs/%s", c.registryURL, repository, digest)

	resp, err := c.get(ctx, blobURL, token, "")
	if err != nil {
		return nil, &RegistryError{Op: "blob", URL: blobURL, Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, &RegistryError{
			Op:         "blob",
			URL:        blobURL,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp),
		}
	}

	c.logger.WithFields(logrus.Fields{
		"repository": repository,
		"digest":     digest.String(),
		"size":       resp.ContentLength,
	}).Debug("Opened blob")

	if c.limiter != nil {
		return newThrottledReader(ctx, resp.Body, c.limiter), nil
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, rawURL string, token Token, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return c.httpClient.Do(req)
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return strings.TrimSpace(string(body))
}
