package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxErrorBodyBytes = 4 << 10

// Options configures an HTTPClient.
type Options struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	RequestsPerSec float64
	RequestBurst   int
	ReadRetries    uint64
	ReadRetryBase  time.Duration
	HTTPClient     *http.Client
}

// HTTPClient implements Client over the backend's JSON API.
type HTTPClient struct {
	baseURL     *url.URL
	http        *http.Client
	limiter     *rate.Limiter
	readRetries uint64
	retryBase   time.Duration

	mu    sync.RWMutex
	token string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for opts.BaseURL.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: %w", opts.BaseURL, errs.ErrInvalidInput)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = 1
	}

	retryBase := opts.ReadRetryBase
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}

	return &HTTPClient{
		baseURL:     base,
		http:        httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		readRetries: opts.ReadRetries,
		retryBase:   retryBase,
		token:       strings.TrimSpace(opts.Token),
	}, nil
}

// SetToken replaces the bearer token.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (entity.AuthResponse, error) {
	var out entity.AuthResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, entity.AuthLoginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return entity.AuthResponse{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

// Register creates an account and keeps the returned token.
func (c *HTTPClient) Register(ctx context.Context, email, password, displayName string) (entity.AuthResponse, error) {
	var out entity.AuthResponse
	req := entity.AuthRegisterRequest{Email: email, Password: password, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", nil, req, &out); err != nil {
		return entity.AuthResponse{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

func (c *HTTPClient) ListGenerations(ctx context.Context, since *time.Time) (entity.GenerationListResponse, error) {
	var query url.Values
	if since != nil {
		query = url.Values{"updated_since": []string{since.UTC().Format(time.RFC3339Nano)}}
	}
	var out entity.GenerationListResponse
	err := c.read(ctx, "/api/generations", query, &out)
	for i := range out.Generations {
		normalizeStatus(&out.Generations[i])
	}
	return out, err
}

func (c *HTTPClient) GetGenerationByTaskID(ctx context.Context, taskID string) (entity.Generation, error) {
	var out entity.Generation
	err := c.read(ctx, "/api/generations/task/"+url.PathEscape(taskID), nil, &out)
	normalizeStatus(&out)
	return out, err
}

func (c *HTTPClient) CreateGeneration(ctx context.Context, req entity.CreateGenerationRequest) (entity.Generation, error) {
	var out entity.Generation
	err := c.do(ctx, http.MethodPost, "/api/generations", nil, req, &out)
	normalizeStatus(&out)
	return out, err
}

// normalizeStatus 将服务端返回的状态统一为已知的四种状态，旧版本或代理返回的别名也能识别
func normalizeStatus(g *entity.Generation) {
	if g.ID == "" || g.Status.Valid() {
		return
	}
	g.Status = entity.ParseGenerationStatus(string(g.Status))
}

func (c *HTTPClient) SoftDeleteGeneration(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/api/generations/"+url.PathEscape(ref), nil, nil, nil)
}

func (c *HTTPClient) ListFavorites(ctx context.Context) ([]entity.Favorite, error) {
	var out entity.FavoriteListResponse
	if err := c.read(ctx, "/api/favorites", nil, &out); err != nil {
		return nil, err
	}
	return out.Favorites, nil
}

func (c *HTTPClient) CreateFavorite(ctx context.Context, generationID string, imageIndex int) (entity.Favorite, error) {
	var out entity.Favorite
	req := entity.CreateFavoriteRequest{GenerationID: generationID, ImageIndex: &imageIndex}
	err := c.do(ctx, http.MethodPost, "/api/favorites", nil, req, &out)
	return out, err
}

func (c *HTTPClient) DeleteFavorite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/favorites/"+url.PathEscape(id), nil, nil, nil)
}

func (c *HTTPClient) GetQuota(ctx context.Context) (entity.Quota, error) {
	var out entity.Quota
	err := c.read(ctx, "/api/quota", nil, &out)
	return out, err
}

func (c *HTTPClient) SubmitQuotaApplication(ctx context.Context, req entity.QuotaApplicationRequest) (entity.QuotaApplication, error) {
	var out entity.QuotaApplication
	err := c.do(ctx, http.MethodPost, "/api/quota/applications", nil, req, &out)
	return out, err
}

func (c *HTTPClient) GetBuildVersion(ctx context.Context) (string, error) {
	var out entity.VersionResponse
	if err := c.read(ctx, "/api/version", nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Version), nil
}

// read performs an idempotent GET, retrying transport failures with
// exponential backoff.
func (c *HTTPClient) read(ctx context.Context, path string, query url.Values, out any) error {
	if c.readRetries == 0 {
		return c.do(ctx, http.MethodGet, path, query, nil, out)
	}
	backoff := retry.WithMaxRetries(c.readRetries, retry.WithJitterPercent(10, retry.NewExponential(c.retryBase)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		if err != nil && errs.IsRetryable(err) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"component": "remote",
				"path":      path,
				"attempt":   attempt,
			}).Debug("retrying read")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, errs.ErrTransport, err)
	}

	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, errs.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w: %w", method, path, errs.ErrTransport, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	remoteErr := &Error{Status: resp.StatusCode}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && (envelope.Code != "" || envelope.Message != "") {
		remoteErr.Code = envelope.Code
		remoteErr.Message = envelope.Message
	} else {
		remoteErr.Message = strings.TrimSpace(string(raw))
	}
	if remoteErr.Message == "" {
		remoteErr.Message = http.StatusText(resp.StatusCode)
	}
	return remoteErr
}
