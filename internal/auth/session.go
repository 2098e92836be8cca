package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/swappynest/internal/observability"
	"github.com/haasonsaas/swappynest/pkg/models"
)

const (
	refreshFlightKey      = "refresh"
	defaultRefreshTimeout = 10 * time.Second
)

// Options configures a SessionManager.
type Options struct {
	Store   TokenStore
	API     AuthAPI
	Decoder ClaimsDecoder

	// RefreshTimeout bounds a single refresh call. Timing out is a refresh failure.
	RefreshTimeout time.Duration

	// OnLoginRequired fires once for every fatal refresh failure. This is
	// where a UI forces navigation to its login surface.
	OnLoginRequired func(err error)

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// SessionManager is the single source of truth for authentication state.
//
// State machine:
//
//	anonymous -> authenticating -> authenticated -> refreshing -> {authenticated | anonymous}
//
// Only a failed refresh moves an authenticated session to anonymous without
// an explicit logout.
type SessionManager struct {
	store           TokenStore
	api             AuthAPI
	decoder         ClaimsDecoder
	refreshTimeout  time.Duration
	onLoginRequired func(err error)
	logger          *slog.Logger
	metrics         *observability.Metrics
	now             func() time.Time

	mu      sync.RWMutex
	session models.Session
	// epoch advances whenever the session is torn down so a login or
	// refresh that straddles a logout cannot resurrect it.
	epoch uint64
	// version increments with every change to session; subscribers never
	// see an older version after a newer one.
	version uint64

	// persistMu serializes token store writes. A Save that checked the
	// epoch under it always lands before the Clear of a later teardown.
	persistMu sync.Mutex

	flight singleflight.Group

	subsMu  sync.Mutex
	subs    map[int]func(models.Session)
	nextSub int

	notifyMu    sync.Mutex
	queued      uint64
	pending     []models.Session
	dispatching bool
}

// NewSessionManager builds a manager in the anonymous state.
func NewSessionManager(opts Options) (*SessionManager, error) {
	if opts.Store == nil {
		return nil, errors.New("session manager: token store is required")
	}
	if opts.API == nil {
		return nil, errors.New("session manager: auth api is required")
	}
	if opts.Decoder == nil {
		opts.Decoder = NewJWTDecoder()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SessionManager{
		store:           opts.Store,
		api:             opts.API,
		decoder:         opts.Decoder,
		refreshTimeout:  opts.RefreshTimeout,
		onLoginRequired: opts.OnLoginRequired,
		logger:          opts.Logger.With("component", "session"),
		metrics:         opts.Metrics,
		now:             opts.Now,
		session:         models.Session{State: models.SessionAnonymous},
		subs:            make(map[int]func(models.Session)),
	}, nil
}

// Current returns a snapshot of the session.
func (m *SessionManager) Current() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// State returns the current state.
func (m *SessionManager) State() models.SessionState {
	return m.Current().State
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *SessionManager) AccessToken() string {
	s := m.Current()
	if !s.Authenticated() {
		return ""
	}
	return s.AccessToken
}

// IsExpired reports whether token is expired by the manager's clock.
func (m *SessionManager) IsExpired(token string) bool {
	return IsExpired(m.decoder, token, m.now())
}

// Subscribe registers fn to receive a snapshot after every state change.
// Snapshots arrive one at a time in the order the changes happened; a
// snapshot superseded before delivery is skipped. The returned function
// removes the subscription.
func (m *SessionManager) Subscribe(fn func(models.Session)) func() {
	if fn == nil {
		return func() {}
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// setLocked installs s and returns its version. m.mu must be held.
func (m *SessionManager) setLocked(s models.Session) uint64 {
	m.session = s
	m.version++
	return m.version
}

// notify queues s for delivery unless a newer version was already queued.
// Whichever goroutine finds the queue idle drains it, so deliveries never
// overlap and a slow subscriber delays later snapshots instead of being
// overtaken by them.
func (m *SessionManager) notify(s models.Session, version uint64) {
	m.notifyMu.Lock()
	if version <= m.queued {
		m.notifyMu.Unlock()
		return
	}
	m.queued = version
	m.pending = append(m.pending, s)
	if m.dispatching {
		m.notifyMu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.notifyMu.Unlock()
		m.deliver(next)
		m.notifyMu.Lock()
	}
	m.dispatching = false
	m.notifyMu.Unlock()
}

func (m *SessionManager) deliver(s models.Session) {
	m.subsMu.Lock()
	subs := make([]func(models.Session), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Login authenticates with email and password. A credential rejection
// returns ErrInvalidCredentials and leaves the manager anonymous so the
// caller can let the user retry. A logout that lands while the login is in
// flight wins: nothing is persisted and ErrSessionEnded is returned.
func (m *SessionManager) Login(ctx context.Context, email, password string) (models.Session, error) {
	m.mu.Lock()
	if m.session.Authenticated() {
		s := m.session
		m.mu.Unlock()
		return s, errors.New("already authenticated; log out first")
	}
	if m.session.State == models.SessionAuthenticating {
		m.mu.Unlock()
		return models.Session{}, errors.New("login already in progress")
	}
	epoch := m.epoch
	authenticating := models.Session{State: models.SessionAuthenticating}
	version := m.setLocked(authenticating)
	m.mu.Unlock()
	m.notify(authenticating, version)

	session, err := m.login(ctx, email, password)
	if err == nil {
		version, err = m.commitLogin(ctx, epoch, session)
	}
	if errors.Is(err, ErrSessionEnded) {
		m.metrics.RecordLogin("superseded")
		m.logger.Info("login abandoned; session ended while authenticating")
		return models.Session{}, err
	}
	if err != nil {
		anonymous := models.Session{State: models.SessionAnonymous}
		m.mu.Lock()
		var v uint64
		if m.epoch == epoch {
			v = m.setLocked(anonymous)
		}
		m.mu.Unlock()
		if v != 0 {
			m.notify(anonymous, v)
		}
		m.metrics.RecordLogin("failure")
		if errors.Is(err, ErrInvalidCredentials) {
			m.logger.Info("login rejected", "email", email)
		} else {
			m.logger.Warn("login failed", "email", email, "error", err)
		}
		return models.Session{}, err
	}

	m.notify(session, version)
	m.metrics.RecordLogin("success")
	m.logger.Info("logged in", "user_id", session.UserID)
	return session, nil
}

func (m *SessionManager) login(ctx context.Context, email, password string) (models.Session, error) {
	pair, err := m.api.Obtain(ctx, email, password)
	if err != nil {
		return models.Session{}, err
	}
	claims, err := m.decoder.Decode(pair.Access)
	if err != nil {
		return models.Session{}, fmt.Errorf("decode access token: %w", err)
	}
	return models.Session{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		ExpiresAt:    claims.ExpiresAt,
		UserID:       claims.SubjectID,
		State:        models.SessionAuthenticated,
	}, nil
}

// commitLogin persists session and installs it, unless the epoch moved on.
// Holding persistMu across the check and the Save means a concurrent
// teardown's Clear runs after the Save, never before it.
func (m *SessionManager) commitLogin(ctx context.Context, epoch uint64, session models.Session) (uint64, error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if !m.sameEpoch(epoch) {
		return 0, ErrSessionEnded
	}
	if err := m.store.Save(ctx, Tokens{Access: session.AccessToken, Refresh: session.RefreshToken}); err != nil {
		return 0, fmt.Errorf("persist tokens: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		// The teardown that moved the epoch clears the store once we unlock.
		return 0, ErrSessionEnded
	}
	return m.setLocked(session), nil
}

func (m *SessionManager) sameEpoch(epoch uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch == epoch
}

// clearStore empties the token store behind any in-flight Save.
func (m *SessionManager) clearStore(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	return m.store.Clear(ctx)
}

// Logout notifies the server best-effort, then clears persisted tokens and
// returns to anonymous regardless of what the server said. The returned
// error only reports a failure to clear local storage; the in-memory
// session is anonymous either way.
func (m *SessionManager) Logout(ctx context.Context) error {
	anonymous := models.Session{State: models.SessionAnonymous}
	m.mu.Lock()
	previous := m.session
	m.epoch++
	version := m.setLocked(anonymous)
	m.mu.Unlock()
	m.flight.Forget(refreshFlightKey)

	if previous.AccessToken != "" && previous.RefreshToken != "" {
		if err := m.api.Logout(ctx, previous.AccessToken, previous.RefreshToken); err != nil {
			m.logger.Warn("server logout failed; clearing local session anyway", "error", err)
		}
	}

	// The caller's context may already be cancelled; clearing must still happen.
	clearErr := m.clearStore(context.WithoutCancel(ctx))
	if clearErr != nil {
		m.logger.Error("failed to clear token store", "error", clearErr)
	}

	m.notify(anonymous, version)
	m.logger.Info("logged out", "user_id", previous.UserID)
	if clearErr != nil {
		return fmt.Errorf("clear tokens: %w", clearErr)
	}
	return nil
}

// Refresh renews the access token. Concurrent callers share one in-flight
// refresh. A failure is fatal: the session is cleared, the manager becomes
// anonymous and OnLoginRequired fires once.
//
// ctx only bounds how long this caller waits; the shared refresh runs under
// its own timeout so one impatient caller cannot fail it for the others.
func (m *SessionManager) Refresh(ctx context.Context) (models.Session, error) {
	return m.refresh(ctx, "")
}

func (m *SessionManager) refresh(ctx context.Context, stale string) (models.Session, error) {
	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		return m.doRefresh(stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Session{}, res.Err
		}
		session, _ := res.Val.(models.Session)
		return session, nil
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	}
}

// RenewToken returns a usable access token for a caller that observed
// stale. When another caller already rotated the token, the fresh one is
// returned without a new refresh call.
func (m *SessionManager) RenewToken(ctx context.Context, stale string) (string, error) {
	current := m.Current()
	if current.Authenticated() && current.State != models.SessionRefreshing &&
		current.AccessToken != "" && current.AccessToken != stale && !m.IsExpired(current.AccessToken) {
		return current.AccessToken, nil
	}
	session, err := m.refresh(ctx, stale)
	if err != nil {
		return "", err
	}
	return session.AccessToken, nil
}

// doRefresh renews the session. A non-empty stale names the token the
// caller saw fail; if the session has already moved past it, the current
// session is returned without contacting the server.
func (m *SessionManager) doRefresh(stale string) (models.Session, error) {
	m.mu.Lock()
	current := m.session
	epoch := m.epoch
	if stale != "" && current.State == models.SessionAuthenticated &&
		current.AccessToken != stale && !m.IsExpired(current.AccessToken) {
		m.mu.Unlock()
		return current, nil
	}
	if current.RefreshToken == "" {
		m.mu.Unlock()
		// Anonymous and authenticating sessions have nothing to renew; only a
		// live session missing its refresh token is a failure.
		if !current.Authenticated() {
			return models.Session{}, ErrNotAuthenticated
		}
		return models.Session{}, m.failRefresh(epoch, RefreshFailed("no refresh token", nil))
	}
	refreshing := current
	refreshing.State = models.SessionRefreshing
	version := m.setLocked(refreshing)
	m.mu.Unlock()
	m.notify(refreshing, version)

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	start := m.now()
	pair, err := m.api.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			err = fmt.Errorf("refresh timed out after %s: %w", m.refreshTimeout, err)
		}
		return models.Session{}, m.failRefresh(epoch, RefreshFailed("refresh rejected", err))
	}
	claims, err := m.decoder.Decode(pair.Access)
	if err != nil {
		return models.Session{}, m.failRefresh(epoch, RefreshFailed("refreshed token undecodable", err))
	}

	renewed := models.Session{
		AccessToken:  pair.Access,
		RefreshToken: current.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
		UserID:       claims.SubjectID,
		State:        models.SessionAuthenticated,
	}
	if pair.Refresh != "" {
		renewed.RefreshToken = pair.Refresh
	}
	if renewed.UserID == 0 {
		renewed.UserID = current.UserID
	}

	version, ok := m.commitRefresh(ctx, epoch, renewed)
	if !ok {
		m.metrics.RecordRefresh("superseded")
		return models.Session{}, ErrSessionEnded
	}

	m.notify(renewed, version)
	m.metrics.RecordRefresh("success")
	m.logger.Debug("access token refreshed", "user_id", renewed.UserID, "duration_ms", m.now().Sub(start).Milliseconds())
	return renewed, nil
}

// commitRefresh installs renewed and persists it unless the epoch moved on.
func (m *SessionManager) commitRefresh(ctx context.Context, epoch uint64, renewed models.Session) (uint64, bool) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return 0, false
	}
	version := m.setLocked(renewed)
	m.mu.Unlock()

	if err := m.store.Save(ctx, Tokens{Access: renewed.AccessToken, Refresh: renewed.RefreshToken}); err != nil {
		// The in-memory session is valid; only durability is lost.
		m.logger.Warn("failed to persist refreshed tokens", "error", err)
	}
	return version, true
}

// failRefresh is the only place a session is torn down involuntarily.
func (m *SessionManager) failRefresh(epoch uint64, cause *Error) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.metrics.RecordRefresh("superseded")
		return ErrSessionEnded
	}
	m.epoch++
	previous := m.session
	anonymous := models.Session{State: models.SessionAnonymous}
	version := m.setLocked(anonymous)
	m.mu.Unlock()

	if err := m.clearStore(context.Background()); err != nil {
		m.logger.Error("failed to clear token store after refresh failure", "error", err)
	}

	m.notify(anonymous, version)
	m.metrics.RecordRefresh("failure")
	m.logger.Warn("token refresh failed; session cleared", "user_id", previous.UserID, "error", cause)

	if m.onLoginRequired != nil {
		m.onLoginRequired(cause)
	}
	return cause
}

// CheckAuthOnStartup restores a persisted session. An unexpired access
// token is accepted as is; an expired one is refreshed; no tokens leaves
// the manager anonymous.
func (m *SessionManager) CheckAuthOnStartup(ctx context.Context) (models.Session, error) {
	tokens, err := m.store.Load(ctx)
	if err != nil {
		return m.Current(), fmt.Errorf("load persisted tokens: %w", err)
	}
	if tokens.Empty() {
		m.logger.Debug("no persisted session")
		return m.Current(), nil
	}

	claims, decodeErr := m.decoder.Decode(tokens.Access)
	if decodeErr == nil && !claims.Expired(m.now()) {
		session := models.Session{
			AccessToken:  tokens.Access,
			RefreshToken: tokens.Refresh,
			ExpiresAt:    claims.ExpiresAt,
			UserID:       claims.SubjectID,
			State:        models.SessionAuthenticated,
		}
		m.mu.Lock()
		version := m.setLocked(session)
		m.mu.Unlock()
		m.notify(session, version)
		m.logger.Info("restored session", "user_id", session.UserID)
		return session, nil
	}

	m.mu.Lock()
	m.setLocked(models.Session{
		AccessToken:  tokens.Access,
		RefreshToken: tokens.Refresh,
		UserID:       claims.SubjectID,
		State:        models.SessionAnonymous,
	})
	m.mu.Unlock()

	if tokens.Refresh == "" {
		// Nothing to renew with; drop the unusable remnant.
		m.mu.Lock()
		m.epoch++
		m.setLocked(models.Session{State: models.SessionAnonymous})
		m.mu.Unlock()
		if err := m.clearStore(ctx); err != nil {
			return m.Current(), fmt.Errorf("clear stale tokens: %w", err)
		}
		return m.Current(), nil
	}

	m.logger.Info("persisted access token expired; refreshing")
	return m.Refresh(ctx)
}

// TokenSource returns an oauth2 view of the session bound to ctx.
func (m *SessionManager) TokenSource(ctx context.Context) *TokenSource {
	return NewTokenSource(ctx, m)
}
