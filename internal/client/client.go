// Package client assembles the session manager, REST gateway and chat hub
// from configuration and ties their lifecycles together.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/haasonsaas/swappynest/internal/api"
	"github.com/haasonsaas/swappynest/internal/auth"
	"github.com/haasonsaas/swappynest/internal/backoff"
	"github.com/haasonsaas/swappynest/internal/chat"
	"github.com/haasonsaas/swappynest/internal/config"
	"github.com/haasonsaas/swappynest/internal/observability"
	"github.com/haasonsaas/swappynest/internal/socket"
	"github.com/haasonsaas/swappynest/pkg/models"
)

// Options configures New. Only Config is required.
type Options struct {
	Config *config.Config

	// LogOutput receives log records; defaults to stderr.
	LogOutput io.Writer
	// OnLoginRequired is called after a refresh failure ended the session.
	OnLoginRequired func(err error)

	// HTTPClient and SocketFactory replace the network transports.
	HTTPClient    *http.Client
	SocketFactory socket.Factory
	// TokenStore replaces the configured store.
	TokenStore auth.TokenStore
}

// Client is the assembled client core.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store   auth.TokenStore
	session *auth.SessionManager
	gateway *api.Gateway
	sockets *socket.Manager
	hub     *chat.Hub

	shutdownTracer func(context.Context) error
	unsubscribe    func()
	onLoginReq     func(error)

	mu      sync.RWMutex
	profile *models.UserProfile
}

// New builds a Client. Nothing touches the network until Start or Login.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: opts.LogOutput,
	}).Slog()
	metrics := observability.NewMetrics()
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		Environment:  cfg.Tracing.Environment,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     cfg.Tracing.Insecure,
	})

	c := &Client{
		cfg:            cfg,
		logger:         logger.With("component", "client"),
		metrics:        metrics,
		tracer:         tracer,
		shutdownTracer: shutdown,
		onLoginReq:     opts.OnLoginRequired,
	}

	store := opts.TokenStore
	if store == nil {
		var err error
		if store, err = openTokenStore(cfg.Auth.TokenStore); err != nil {
			return nil, err
		}
	}
	c.store = store

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}

	session, err := auth.NewSessionManager(auth.Options{
		Store:           store,
		API:             auth.NewHTTPAuthClient(cfg.API.BaseURL, httpClient),
		RefreshTimeout:  cfg.Auth.RefreshTimeout,
		OnLoginRequired: c.loginRequired,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.session = session

	gateway, err := api.NewGateway(api.Options{
		BaseURL:     cfg.API.BaseURL,
		HTTPClient:  httpClient,
		Session:     session,
		RetryPolicy: backoff.Fixed(cfg.API.RetryDelay),
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.gateway = gateway

	factory := opts.SocketFactory
	if factory == nil {
		factory = &socket.GorillaFactory{
			Header:       c.socketHeader,
			PingInterval: cfg.Chat.PingInterval,
			PongTimeout:  cfg.Chat.PongTimeout,
			Logger:       logger,
		}
	}
	sockets, err := socket.NewManager(socket.Options{
		Factory:     factory,
		Policy:      cfg.Chat.Reconnect.Policy(),
		DialTimeout: cfg.Chat.HandshakeTimeout,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.sockets = sockets

	hub, err := chat.NewHub(chat.HubOptions{
		WSBaseURL:         cfg.Chat.WSBaseURL,
		Sockets:           sockets,
		History:           gateway,
		CorrelationWindow: cfg.Chat.CorrelationWindow,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.hub = hub

	c.unsubscribe = session.Subscribe(c.onSession)
	return c, nil
}

func openTokenStore(cfg config.TokenStoreConfig) (auth.TokenStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return auth.NewMemoryTokenStore(), nil
	case "sqlite", "":
		store, err := auth.OpenSQLiteTokenStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown token store driver %q", cfg.Driver)
	}
}

// socketHeader authenticates the WebSocket handshake with the current token.
func (c *Client) socketHeader() (http.Header, error) {
	return auth.BearerHeader(c.session.TokenSource(context.Background()))
}

// onSession tears down realtime channels once the session is gone, so no
// channel keeps reconnecting for a signed-out user.
func (c *Client) onSession(s models.Session) {
	if s.State != models.SessionAnonymous {
		return
	}
	c.mu.Lock()
	c.profile = nil
	c.mu.Unlock()
	c.hub.CloseAll()
	c.sockets.CloseAll()
}

func (c *Client) loginRequired(err error) {
	c.logger.Warn("session expired; login required", "error", err)
	if c.onLoginReq != nil {
		c.onLoginReq(err)
	}
}

// Start restores a persisted session and, when authenticated, loads the
// profile. A profile failure is returned as ProfileErr and never ends the
// session.
func (c *Client) Start(ctx context.Context) (StartResult, error) {
	session, err := c.session.CheckAuthOnStartup(ctx)
	if err != nil {
		return StartResult{Session: c.session.Current()}, err
	}
	result := StartResult{Session: session}
	if session.Authenticated() {
		result.Profile, result.ProfileErr = c.LoadProfile(ctx)
	}
	return result, nil
}

// StartResult is what Start found.
type StartResult struct {
	Session    models.Session
	Profile    *models.UserProfile
	ProfileErr error
}

// Login signs in and loads the profile. A profile failure is only logged.
func (c *Client) Login(ctx context.Context, email, password string) (models.Session, error) {
	session, err := c.session.Login(ctx, email, password)
	if err != nil {
		return session, err
	}
	if _, err := c.LoadProfile(ctx); err != nil {
		c.logger.Warn("profile load after login failed", "error", err)
	}
	return session, nil
}

// Logout ends the session. Channels close through the session subscription.
func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// LoadProfile fetches and caches the user's profile.
func (c *Client) LoadProfile(ctx context.Context) (*models.UserProfile, error) {
	profile, err := c.gateway.Profile(ctx)
	if err != nil {
		c.logger.Warn("profile load failed", "error", err)
		return nil, fmt.Errorf("load profile: %w", err)
	}
	c.mu.Lock()
	c.profile = &profile
	c.mu.Unlock()
	return &profile, nil
}

// Profile returns the cached profile, if one was loaded.
func (c *Client) Profile() *models.UserProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Conversations lists the user's conversations.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return c.gateway.Conversations(ctx)
}

// OpenConversation connects the conversation's channel and merges its
// history. A history failure is logged; the channel stays usable.
func (c *Client) OpenConversation(ctx context.Context, conv models.Conversation) (*chat.Channel, error) {
	self, err := c.selfID()
	if err != nil {
		return nil, err
	}
	ch, err := c.hub.Open(ctx, self, conv)
	if ch == nil {
		return nil, err
	}
	if err != nil {
		c.logger.Warn("conversation channel degraded", "conversation", ch.Key(), "error", err)
	}
	if _, herr := ch.LoadHistory(ctx); herr != nil {
		c.logger.Warn("conversation history unavailable", "conversation", ch.Key(), "error", herr)
	}
	return ch, err
}

// OpenPeer connects a conversation known only by the other user's id.
// Such a channel has no stored history.
func (c *Client) OpenPeer(ctx context.Context, peer int64) (*chat.Channel, error) {
	self, err := c.selfID()
	if err != nil {
		return nil, err
	}
	return c.hub.OpenPeer(ctx, self, peer)
}

// CloseConversation closes one conversation's channel.
func (c *Client) CloseConversation(key string) {
	c.hub.Close(key)
}

func (c *Client) selfID() (int64, error) {
	s := c.session.Current()
	if !s.Authenticated() {
		return 0, auth.ErrNotAuthenticated
	}
	if s.UserID == 0 {
		return 0, errors.New("session has no user id")
	}
	return s.UserID, nil
}

// Session returns a snapshot of the session.
func (c *Client) Session() models.Session { return c.session.Current() }

// SessionManager exposes the session manager for subscriptions.
func (c *Client) SessionManager() *auth.SessionManager { return c.session }

// Gateway exposes the REST gateway for calls without a typed helper.
func (c *Client) Gateway() *api.Gateway { return c.gateway }

// Hub exposes the conversation hub.
func (c *Client) Hub() *chat.Hub { return c.hub }

// Metrics exposes the client's metrics registry.
func (c *Client) Metrics() *observability.Metrics { return c.metrics }

// Logger returns the client's redacting logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Close releases every resource. The session stays persisted.
func (c *Client) Close(ctx context.Context) error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.hub.CloseAll()
	c.sockets.CloseAll()
	c.gateway.Close()

	var errs []error
	if err := c.closeStore(); err != nil {
		errs = append(errs, err)
	}
	if c.shutdownTracer != nil {
		if err := c.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) closeStore() error {
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
