package etsy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultTokenURL = "https://api.etsy.com/v3/public/oauth/token"

// Credentials are the OAuth credentials persisted in the keys file.
type Credentials struct {
	APIKey       string    `json:"api_key"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// TokenSource hands out bearer tokens and refreshes them on demand.
type TokenSource interface {
	APIKey() string
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// FileTokenStore keeps credentials in a JSON file and writes refreshed
// tokens back to it.
type FileTokenStore struct {
	path     string
	tokenURL string
	client   *http.Client

	mu    sync.Mutex
	creds Credentials
}

func LoadFileTokenStore(path string, client *http.Client) (*FileTokenStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials %s: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("credentials %s have no api_key", path)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FileTokenStore{path: path, tokenURL: defaultTokenURL, client: client, creds: creds}, nil
}

// SetTokenURL points refreshes at another OAuth endpoint.
func (s *FileTokenStore) SetTokenURL(u string) {
	s.tokenURL = u
}

func (s *FileTokenStore) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.APIKey
}

// AccessToken returns the current token, refreshing it first when it has expired.
func (s *FileTokenStore) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.creds.AccessToken
	expired := !s.creds.ExpiresAt.IsZero() && time.Now().After(s.creds.ExpiresAt.Add(-time.Minute))
	s.mu.Unlock()

	if token == "" || expired {
		return s.Refresh(ctx)
	}
	return token, nil
}

func (s *FileTokenStore) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.RefreshToken == "" {
		return "", fmt.Errorf("no refresh token available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.creds.APIKey)
	form.Set("refresh_token", s.creds.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh failed: status code %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	s.creds.AccessToken = body.AccessToken
	if body.RefreshToken != "" {
		s.creds.RefreshToken = body.RefreshToken
	}
	if body.ExpiresIn > 0 {
		s.creds.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}

	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to save credentials: %w", err)
	}
	return s.creds.AccessToken, nil
}

// StaticTokens is a TokenSource with fixed values.
type StaticTokens struct {
	Key   string
	Token string
}

func (t StaticTokens) APIKey() string { return t.Key }

func (t StaticTokens) AccessToken(context.Context) (string, error) { return t.Token, nil }

func (t StaticTokens) Refresh(context.Context) (string, error) { return t.Token, nil }
