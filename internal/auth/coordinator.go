// Package auth coordinates access-token refreshes for the client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/convo/internal/credstore"
	"github.com/xiaot623/gogo/convo/internal/domain"
	"github.com/xiaot623/gogo/convo/internal/logging"
)

const refreshKey = "refresh"

// Refresher performs the network refresh call.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (domain.Credentials, error)
}

// SignOutEvent is delivered when the stored credentials became unusable.
type SignOutEvent struct {
	Reason error
	At     time.Time
}

// Coordinator serializes refresh attempts: concurrent callers share one in-flight refresh.
type Coordinator struct {
	store     credstore.Store
	refresher Refresher
	logger    zerolog.Logger
	group     singleflight.Group

	mu        sync.Mutex
	listeners []chan<- SignOutEvent
}

// NewCoordinator creates a refresh coordinator writing to store.
func NewCoordinator(store credstore.Store, refresher Refresher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		refresher: refresher,
		logger:    logging.Component(logger, "auth"),
	}
}

// NotifySignOut registers ch to receive sign-out events. Delivery does not block:
// if ch is not ready the event is dropped for that listener, so ch should be buffered.
func (c *Coordinator) NotifySignOut(ch chan<- SignOutEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, ch)
}

// StopSignOut unregisters ch.
func (c *Coordinator) StopSignOut(ch chan<- SignOutEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Refresh returns a fresh access token. If a refresh is already in flight the caller
// waits for its outcome instead of starting another one. Cancelling ctx abandons the
// wait but not the shared refresh.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	refreshToken, ok, err := c.store.Get(ctx, credstore.KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !ok || refreshToken == "" {
		c.logger.Warn().Msg("refresh requested without a stored refresh token")
		err := fmt.Errorf("%w: %w", domain.ErrSessionInvalid, domain.ErrNoRefreshToken)
		c.signOut(ctx, err)
		return "", err
	}

	c.logger.Debug().Msg("refreshing access token")
	creds, err := c.refresher.RefreshTokens(ctx, refreshToken)
	if err == nil && creds.AccessToken == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("token refresh failed")
		err = fmt.Errorf("%w: %w", domain.ErrSessionInvalid, err)
		c.signOut(ctx, err)
		return "", err
	}

	if err := credstore.Save(ctx, c.store, creds); err != nil {
		return "", err
	}
	c.logger.Info().Bool("rotated_refresh_token", creds.RefreshToken != "").Msg("access token refreshed")
	return creds.AccessToken, nil
}

func (c *Coordinator) signOut(ctx context.Context, reason error) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear credentials")
	}

	event := SignOutEvent{Reason: reason, At: time.Now()}
	c.mu.Lock()
	listeners := append([]chan<- SignOutEvent(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		select {
		case l <- event:
		default:
		}
	}
}
