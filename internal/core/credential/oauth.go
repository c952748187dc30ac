package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hapiai/lmslink/internal/core"
)

const (
	tokenPath         = "/login/oauth2/token"
	maxOAuthBodyBytes = 64 * 1024
)

// ExchangeResult is the outcome of an OAuth code or refresh exchange.
type ExchangeResult struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresIn    int64      `json:"expires_in,omitempty"`
	ExpiresAt    *time.Time `json:"-"`
}

// Expiry resolves the absolute expiry relative to now.
func (r *ExchangeResult) Expiry(now time.Time) *time.Time {
	if r == nil {
		return nil
	}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		return &t
	}
	if r.ExpiresIn > 0 {
		t := now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
		return &t
	}
	return nil
}

// TokenEndpoint performs refresh exchanges and revocation against the
// remote authorization server.
type TokenEndpoint interface {
	Refresh(ctx context.Context, refreshToken string) (*ExchangeResult, error)
	Revoke(ctx context.Context, accessToken string) error
}

// OAuthClient talks to the Canvas OAuth2 token endpoint. Refresh goes
// through x/oauth2; revocation is a Canvas DELETE on the same path, which
// x/oauth2 does not model.
type OAuthClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewOAuthClient builds a client for the instance at baseURL.
func NewOAuthClient(baseURL, clientID, clientSecret string, httpClient *http.Client) *OAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthClient{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		clientID:     strings.TrimSpace(clientID),
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

// Refresh exchanges a refresh token for a new access token. A 400, 401, or
// 403 from the token endpoint is reported as an authentication error; other
// failures keep their transient kinds.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*ExchangeResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, core.NewError(core.KindAuthentication, "no refresh token on file", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}

	result := &ExchangeResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		expiresAt := token.Expiry.UTC()
		result.ExpiresAt = &expiresAt
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

func (c *OAuthClient) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func classifyTokenError(err error) *core.APIError {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) && retrieve.Response != nil {
		apiErr := core.ClassifyResponse(retrieve.Response, retrieve.Body)
		if apiErr == nil {
			return core.NewError(core.KindInternal, "token endpoint returned no token", err)
		}
		switch apiErr.Kind {
		case core.KindValidation, core.KindAuthentication, core.KindAuthorization:
			apiErr.Kind = core.KindAuthentication
			apiErr.Message = "token endpoint rejected the refresh token"
		}
		return apiErr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.ClassifyTransportError(err)
	}
	return core.NewError(core.KindInternal, "decode refresh response", err)
}

// Revoke invalidates an access token on the remote server.
func (c *OAuthClient) Revoke(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+tokenPath, nil)
	if err != nil {
		return core.NewError(core.KindInternal, "build revoke request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	_, err = c.do(req)
	return err
}

func (c *OAuthClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.ClassifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOAuthBodyBytes))
	if err != nil {
		return nil, core.NewError(core.KindNetwork, fmt.Sprintf("read %s response", req.Method), err)
	}
	if apiErr := core.ClassifyResponse(resp, body); apiErr != nil {
		return nil, apiErr
	}
	return body, nil
}
