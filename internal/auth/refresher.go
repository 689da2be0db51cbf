package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

// RefreshPath is the refresh endpoint relative to the API base URL.
const RefreshPath = "/auth/refresh"

// HTTPRefresher calls POST /auth/refresh. It never attaches a bearer token and never retries.
type HTTPRefresher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRefresher creates a refresher against baseURL.
func NewHTTPRefresher(baseURL string, httpClient *http.Client) *HTTPRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRefresher{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshError is returned when the refresh endpoint answers with a non-200 status.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Is lets a 401 from the refresh endpoint match domain.ErrUnauthorized.
func (e *RefreshError) Is(target error) bool {
	return target == domain.ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// RefreshTokens exchanges refreshToken for a new credential pair.
func (r *HTTPRefresher) RefreshTokens(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+RefreshPath, bytes.NewReader(body))
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.Credentials{}, &RefreshError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var creds domain.Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return creds, nil
}
