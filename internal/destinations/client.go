package destinations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BroadcastStatus mirrors the platform's broadcast lifecycle states.
type BroadcastStatus string

const (
	StatusCreated  BroadcastStatus = "created"
	StatusReady    BroadcastStatus = "ready"
	StatusTesting  BroadcastStatus = "testing"
	StatusLive     BroadcastStatus = "live"
	StatusComplete BroadcastStatus = "complete"
	StatusRevoked  BroadcastStatus = "revoked"
)

// ErrUnauthorized marks a 401 from the platform; callers refresh the
// access token and retry once.
var ErrUnauthorized = errors.New("platform rejected access token")

// StreamHealth is the platform's view of the inbound stream.
type StreamHealth struct {
	Status string // good, ok, bad, noData
	Active bool
}

func (h StreamHealth) Healthy() bool {
	return h.Active && (h.Status == "good" || h.Status == "ok")
}

// YouTubeClient is the capability surface the lifecycle needs. The
// concrete implementation talks to the live-streaming API; tests
// substitute a fake.
type YouTubeClient interface {
	GetBroadcastStatus(ctx context.Context, accessToken, broadcastID string) (BroadcastStatus, error)
	TransitionBroadcast(ctx context.Context, accessToken, broadcastID string, to BroadcastStatus) error
	GetStreamHealth(ctx context.Context, accessToken, streamID string) (StreamHealth, error)
}

// TokenSource mints and refreshes access tokens for one destination's
// stored OAuth grant.
type TokenSource interface {
	AccessToken(ctx context.Context, destinationID int64) (string, error)
	Refresh(ctx context.Context, destinationID int64) (string, error)
}

// Client is the HTTP implementation of YouTubeClient.
type Client struct {
	base   string
	client *http.Client
}

func NewClient() *Client {
	return &Client{
		base:   "https://www.googleapis.com/youtube/v3",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithBase is used by tests to point at a fake API.
func NewClientWithBase(base string) *Client {
	return &Client{base: base, client: &http.Client{Timeout: 10 * time.Second}}
}

type broadcastListResponse struct {
	Items []struct {
		Status struct {
			LifeCycleStatus string `json:"lifeCycleStatus"`
		} `json:"status"`
	} `json:"items"`
}

func (c *Client) GetBroadcastStatus(ctx context.Context, accessToken, broadcastID string) (BroadcastStatus, error) {
	u := fmt.Sprintf("%s/liveBroadcasts?part=status&id=%s", c.base, url.QueryEscape(broadcastID))
	var out broadcastListResponse
	if err := c.get(ctx, accessToken, u, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 {
		return "", fmt.Errorf("broadcast not found")
	}
	return BroadcastStatus(out.Items[0].Status.LifeCycleStatus), nil
}

func (c *Client) TransitionBroadcast(ctx context.Context, accessToken, broadcastID string, to BroadcastStatus) error {
	u := fmt.Sprintf("%s/liveBroadcasts/transition?part=status&id=%s&broadcastStatus=%s",
		c.base, url.QueryEscape(broadcastID), url.QueryEscape(string(to)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, accessToken, nil)
}

type streamListResponse struct {
	Items []struct {
		Status struct {
			StreamStatus string `json:"streamStatus"`
			HealthStatus struct {
				Status string `json:"status"`
			} `json:"healthStatus"`
		} `json:"status"`
	} `json:"items"`
}

func (c *Client) GetStreamHealth(ctx context.Context, accessToken, streamID string) (StreamHealth, error) {
	u := fmt.Sprintf("%s/liveStreams?part=status&id=%s", c.base, url.QueryEscape(streamID))
	var out streamListResponse
	if err := c.get(ctx, accessToken, u, &out); err != nil {
		return StreamHealth{}, err
	}
	if len(out.Items) == 0 {
		return StreamHealth{}, fmt.Errorf("stream not found")
	}
	st := out.Items[0].Status
	return StreamHealth{
		Status: st.HealthStatus.Status,
		Active: st.StreamStatus == "active",
	}, nil
}

func (c *Client) get(ctx context.Context, accessToken, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, accessToken, out)
}

func (c *Client) do(req *http.Request, accessToken string, out any) error {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		return fmt.Errorf("platform api status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// OAuthRefresher exchanges a refresh token for a fresh access token.
type OAuthRefresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

func NewOAuthRefresher(clientID, clientSecret string) *OAuthRefresher {
	return &OAuthRefresher{
		TokenURL:     "https://oauth2.googleapis.com/token",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *OAuthRefresher) Exchange(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.ClientID},
		"client_secret": {r.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh status %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token refresh returned no access token")
	}
	return body.AccessToken, nil
}
