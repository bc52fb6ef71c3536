package destinations

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/crypto"
	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/router"
)

// Result is the outcome of pre-live reconciliation for one
// destination.
type Result string

const (
	ResultReady   Result = "ready"
	ResultSkipped Result = "skipped"
	ResultWarning Result = "warning"
)

// transitionPollInterval paces status polls between the two transition
// steps; transitionPollMax bounds the wait for the intermediate state.
const (
	transitionPollInterval = 500 * time.Millisecond
	transitionPollMax      = 5 * time.Second
)

// StoredTokenSource resolves access tokens from each destination's
// sealed refresh token, caching them until a 401 forces a refresh.
type StoredTokenSource struct {
	Models    data.Models
	Keyring   *crypto.Keyring
	Refresher *OAuthRefresher

	mu    sync.Mutex
	cache map[int64]string
}

func NewStoredTokenSource(models data.Models, keyring *crypto.Keyring, refresher *OAuthRefresher) *StoredTokenSource {
	return &StoredTokenSource{Models: models, Keyring: keyring, Refresher: refresher, cache: make(map[int64]string)}
}

func (s *StoredTokenSource) AccessToken(ctx context.Context, destinationID int64) (string, error) {
	s.mu.Lock()
	tok, ok := s.cache[destinationID]
	s.mu.Unlock()
	if ok {
		return tok, nil
	}
	return s.Refresh(ctx, destinationID)
}

func (s *StoredTokenSource) Refresh(ctx context.Context, destinationID int64) (string, error) {
	refresh, err := s.Models.Destinations.GetSecret(ctx, s.Keyring, destinationID, data.SecretRefreshToken)
	if err != nil {
		return "", fmt.Errorf("destination %d: load refresh token: %w", destinationID, err)
	}
	if refresh == "" {
		return "", fmt.Errorf("destination %d: oauth not connected", destinationID)
	}
	tok, err := s.Refresher.Exchange(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("destination %d: token refresh failed", destinationID)
	}
	s.mu.Lock()
	s.cache[destinationID] = tok
	s.mu.Unlock()
	return tok, nil
}

// Service owns pre-live reconciliation and watchdog checks.
type Service struct {
	models  data.Models
	keyring *crypto.Keyring
	yt      YouTubeClient
	tokens  TokenSource
	bus     *events.Bus
}

func NewService(models data.Models, keyring *crypto.Keyring, yt YouTubeClient, tokens TokenSource, bus *events.Bus) *Service {
	return &Service{models: models, keyring: keyring, yt: yt, tokens: tokens, bus: bus}
}

// Prepare resolves publish URLs and reconciles broadcast state for
// every requested destination. Lifecycle problems degrade to warnings;
// only a missing destination or stream key fails the call.
func (s *Service) Prepare(ctx context.Context, destinationIDs []int64) ([]router.Output, error) {
	outputs := make([]router.Output, 0, len(destinationIDs))
	for _, id := range destinationIDs {
		dest, err := s.models.Destinations.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("destination %d: %w", id, err)
		}
		key, err := s.models.Destinations.GetSecret(ctx, s.keyring, id, data.SecretStreamKey)
		if err != nil {
			return nil, fmt.Errorf("destination %d: load stream key: %w", id, err)
		}
		if key == "" {
			return nil, fmt.Errorf("destination %d: no stream key configured", id)
		}

		out := router.Output{
			DestinationID: id,
			Name:          dest.Name,
			URL:           publishURL(dest.RTMPURL, key),
			Lifecycle:     string(s.Reconcile(ctx, dest)),
		}
		outputs = append(outputs, out)
		s.bus.Publish(events.Event{Kind: events.KindDestinationStatus, Payload: StatusInfo{
			DestinationID: id, Name: dest.Name, Result: Result(out.Lifecycle),
		}})
	}
	return outputs, nil
}

// StatusInfo is the bus payload for destination lifecycle outcomes.
type StatusInfo struct {
	DestinationID int64  `json:"destination_id"`
	Name          string `json:"name"`
	Result        Result `json:"result"`
	Detail        string `json:"detail,omitempty"`
}

// Reconcile drives one destination's remote broadcast toward a state
// that accepts ingestion. It never blocks going live: anything short of
// success is Skipped or Warning.
func (s *Service) Reconcile(ctx context.Context, dest *data.Destination) Result {
	if !dest.Bound() {
		return ResultSkipped
	}

	status, err := s.broadcastStatus(ctx, dest)
	if err != nil {
		log.Printf("[destinations] %s: status fetch: %v", dest.Name, err)
		return ResultWarning
	}

	switch status {
	case StatusLive:
		return ResultReady
	case StatusTesting:
		if err := s.transition(ctx, dest, StatusLive); err != nil {
			log.Printf("[destinations] %s: transition to live: %v", dest.Name, err)
			return ResultWarning
		}
		return ResultReady
	case StatusComplete, StatusReady:
		if err := s.twoStepToLive(ctx, dest); err != nil {
			log.Printf("[destinations] %s: %v", dest.Name, err)
			return ResultWarning
		}
		return ResultReady
	default:
		log.Printf("[destinations] %s: broadcast in state %q, cannot reconcile", dest.Name, status)
		return ResultWarning
	}
}

// twoStepToLive walks complete/ready -> testing -> live, waiting for
// the platform to report the intermediate state or 5s, whichever comes
// first.
func (s *Service) twoStepToLive(ctx context.Context, dest *data.Destination) error {
	if err := s.transition(ctx, dest, StatusTesting); err != nil {
		return fmt.Errorf("transition to testing: %w", err)
	}

	deadline := time.Now().Add(transitionPollMax)
	for time.Now().Before(deadline) {
		status, err := s.broadcastStatus(ctx, dest)
		if err == nil && (status == StatusTesting || status == StatusLive) {
			break
		}
		select {
		case <-time.After(transitionPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.transition(ctx, dest, StatusLive); err != nil {
		return fmt.Errorf("transition to live: %w", err)
	}
	return nil
}

func (s *Service) broadcastStatus(ctx context.Context, dest *data.Destination) (BroadcastStatus, error) {
	var status BroadcastStatus
	err := s.withToken(ctx, dest.ID, func(token string) error {
		var err error
		status, err = s.yt.GetBroadcastStatus(ctx, token, dest.BroadcastID)
		return err
	})
	return status, err
}

func (s *Service) transition(ctx context.Context, dest *data.Destination, to BroadcastStatus) error {
	return s.withToken(ctx, dest.ID, func(token string) error {
		return s.yt.TransitionBroadcast(ctx, token, dest.BroadcastID, to)
	})
}

// withToken runs fn with an access token; on a 401 it refreshes and
// retries exactly once.
func (s *Service) withToken(ctx context.Context, destinationID int64, fn func(token string) error) error {
	token, err := s.tokens.AccessToken(ctx, destinationID)
	if err != nil {
		return err
	}
	err = fn(token)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	token, err = s.tokens.Refresh(ctx, destinationID)
	if err != nil {
		return err
	}
	return fn(token)
}

// ReconcileByID loads a destination and reconciles it. Used by the
// watchdog's recovery path.
func (s *Service) ReconcileByID(ctx context.Context, destinationID int64) (Result, string, error) {
	dest, err := s.models.Destinations.GetByID(ctx, destinationID)
	if err != nil {
		return "", "", err
	}
	return s.Reconcile(ctx, dest), dest.Name, nil
}

// WatchdogCheck is a point-in-time validation of a destination's
// platform state.
type WatchdogCheck struct {
	DestinationID   int64           `json:"destination_id"`
	StreamOK        bool            `json:"stream_ok"`
	BroadcastOK     bool            `json:"broadcast_ok"`
	BroadcastStatus BroadcastStatus `json:"broadcast_status,omitempty"`
	StreamStatus    string          `json:"stream_status,omitempty"`
}

// Validate performs the watchdog's stream and broadcast checks once.
func (s *Service) Validate(ctx context.Context, destinationID int64) (*WatchdogCheck, error) {
	dest, err := s.models.Destinations.GetByID(ctx, destinationID)
	if err != nil {
		return nil, err
	}
	check := &WatchdogCheck{DestinationID: destinationID}
	if !dest.Bound() {
		return check, fmt.Errorf("destination %d: not bound to a broadcast", destinationID)
	}

	if dest.StreamID != "" {
		err := s.withToken(ctx, dest.ID, func(token string) error {
			health, err := s.yt.GetStreamHealth(ctx, token, dest.StreamID)
			if err != nil {
				return err
			}
			check.StreamOK = health.Healthy()
			check.StreamStatus = health.Status
			return nil
		})
		if err != nil {
			return check, err
		}
	}

	status, err := s.broadcastStatus(ctx, dest)
	if err != nil {
		return check, err
	}
	check.BroadcastStatus = status
	check.BroadcastOK = status == StatusLive || status == StatusTesting
	return check, nil
}

// publishURL joins an RTMP application URL and a stream key.
func publishURL(rtmpURL, key string) string {
	return strings.TrimRight(rtmpURL, "/") + "/" + key
}
