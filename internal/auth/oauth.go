package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/jun/docbrowser/internal/model"
)

// Scopes requested at consent: full drive access plus app-created files.
var Scopes = []string{
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/drive.file",
}

// defaultTokenLifetime applies when the provider omits expires_in.
const defaultTokenLifetime = time.Hour

// expirySkew makes tokens handed to the transport count as expired slightly
// early so they do not lapse while a request is in flight.
const expirySkew = 30 * time.Second

// NewOAuthConfig builds the Google OAuth2 config used by the Manager.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// AccountLookup returns the email address of the account a token acts for.
type AccountLookup func(ctx context.Context, src oauth2.TokenSource) (string, error)

// Manager owns the delegated credential lifecycle: code exchange, persistence
// and refresh. The current record is held behind an atomic pointer and is
// replaced whole, never edited, so readers never see a partial record.
type Manager struct {
	oauthConfig *oauth2.Config
	store       CredentialStore
	logger      *zap.Logger
	now         func() time.Time

	account       string
	lookupAccount AccountLookup

	current atomic.Pointer[model.CredentialRecord]

	// mu serializes exchange and refresh so a burst of expired-token
	// requests produces one refresh.
	mu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(oauthConfig *oauth2.Config, store CredentialStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		oauthConfig: oauthConfig,
		store:       store,
		logger:      logger.Named("credentials"),
		now:         time.Now,
	}
}

// BindAccount restricts ExchangeCode to tokens issued for email. Without it
// any consenting account replaces the stored credentials.
func (m *Manager) BindAccount(email string, lookup AccountLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = email
	m.lookupAccount = lookup
}

// AuthorizationURL returns the consent URL. Offline access and forced
// re-consent make the provider issue a refresh token every time.
func (m *Manager) AuthorizationURL(state string) string {
	return m.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades a one-time authorization code for a token pair and
// persists it as the new current record.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.oauthConfig.Exchange(ctx, code)
	if err != nil {
		m.logger.Warn("authorization code rejected", zap.Error(err))
		return nil, &AuthExchangeError{Err: err}
	}

	if err := m.verifyAccountLocked(ctx, tok); err != nil {
		return nil, err
	}

	rec := m.recordFrom(tok, "")
	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist exchanged credentials: %w", err)
	}
	m.current.Store(rec)

	m.logger.Info("authorization code exchanged",
		zap.Time("expires_at", rec.ExpiresAt),
		zap.Bool("has_refresh_token", rec.RefreshToken != ""),
	)
	return rec, nil
}

// verifyAccountLocked must be called with mu held.
func (m *Manager) verifyAccountLocked(ctx context.Context, tok *oauth2.Token) error {
	if m.lookupAccount == nil {
		return nil
	}
	actual, err := m.lookupAccount(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return fmt.Errorf("identify consenting account: %w", err)
	}
	if !strings.EqualFold(actual, m.account) {
		m.logger.Warn("consent from unexpected account discarded", zap.String("account", actual))
		return &AccountMismatchError{Expected: m.account, Actual: actual}
	}
	return nil
}

// Refresh mints a new access token from the held refresh token. An
// *AuthRefreshError is terminal and needs operator re-consent.
func (m *Manager) Refresh(ctx context.Context) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.current.Load()
	if base == nil {
		stored, err := m.store.MostRecent(ctx)
		if err != nil && !errors.Is(err, ErrNoCredentials) {
			return nil, fmt.Errorf("load credentials for refresh: %w", err)
		}
		base = stored
	}
	return m.refreshFrom(ctx, base)
}

// refreshFrom must be called with mu held.
func (m *Manager) refreshFrom(ctx context.Context, base *model.CredentialRecord) (*model.CredentialRecord, error) {
	if base == nil || base.RefreshToken == "" {
		m.logger.Error("cannot refresh credentials, re-consent required", zap.Error(ErrNoRefreshToken))
		return nil, &AuthRefreshError{Err: ErrNoRefreshToken}
	}

	// An already-expired seed forces the token source to hit the token endpoint.
	src := m.oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: base.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		refreshErr := &AuthRefreshError{Err: err}
		m.logger.Error("credential refresh failed, re-consent required",
			zap.Bool("revoked", refreshErr.Revoked()),
			zap.Error(err),
		)
		return nil, refreshErr
	}

	rec := m.recordFrom(tok, base.RefreshToken)
	if rec.Expired(m.now()) {
		err := fmt.Errorf("provider returned a token that expired at %s", rec.ExpiresAt.Format(time.RFC3339))
		m.logger.Error("credential refresh failed", zap.Error(err))
		return nil, &AuthRefreshError{Err: err}
	}

	// Keep the fresh token in memory even if persisting fails: the provider
	// may have rotated the refresh token and the old one is gone.
	m.current.Store(rec)
	if err := m.store.Insert(ctx, rec); err != nil {
		m.logger.Error("refreshed credentials not persisted", zap.Error(err))
		return nil, fmt.Errorf("persist refreshed credentials: %w", err)
	}

	m.logger.Info("credentials refreshed", zap.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}

// LoadPersisted loads the newest stored record, refreshing it once if it has
// expired. It reports false when nothing is stored or the refresh fails; the
// in-memory cache is left empty in that case.
func (m *Manager) LoadPersisted(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.MostRecent(ctx)
	if errors.Is(err, ErrNoCredentials) {
		m.logger.Debug("no persisted credentials")
		return false
	}
	if err != nil {
		m.logger.Error("failed to load persisted credentials", zap.Error(err))
		return false
	}

	if rec.Expired(m.now()) {
		m.logger.Info("persisted credentials expired, refreshing", zap.Time("expires_at", rec.ExpiresAt))
		if _, err := m.refreshFrom(ctx, rec); err != nil {
			var refreshErr *AuthRefreshError
			if !errors.As(err, &refreshErr) {
				// Minted but not persisted: refreshFrom already cached it.
				return m.current.Load() != nil
			}
			m.current.Store(nil)
			return false
		}
		return true
	}

	m.current.Store(rec)
	return true
}

// IsAuthenticated reports whether an access token is cached, loading the
// persisted record on a cold cache.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	if cur := m.current.Load(); cur != nil && cur.AccessToken != "" {
		return true
	}
	return m.LoadPersisted(ctx)
}

// Current returns the cached record, or nil.
func (m *Manager) Current() *model.CredentialRecord {
	return m.current.Load()
}

// TokenSource returns an oauth2.TokenSource backed by the Manager. It never
// hands out a token past its known expiry without one refresh attempt first.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	m := s.m
	cur := m.current.Load()
	if cur == nil {
		if !m.LoadPersisted(s.ctx) {
			return nil, ErrNotAuthenticated
		}
		cur = m.current.Load()
	}

	if cur != nil && cur.Expired(m.now().Add(expirySkew)) {
		m.mu.Lock()
		// Another caller may have refreshed while we waited.
		cur = m.current.Load()
		if cur == nil || cur.Expired(m.now().Add(expirySkew)) {
			fresh, err := m.refreshFrom(s.ctx, cur)
			if err != nil {
				m.mu.Unlock()
				return nil, err
			}
			cur = fresh
		}
		m.mu.Unlock()
	}
	if cur == nil {
		return nil, ErrNotAuthenticated
	}

	return &oauth2.Token{
		AccessToken: cur.AccessToken,
		TokenType:   cur.TokenType,
		Expiry:      cur.ExpiresAt,
	}, nil
}

func (m *Manager) recordFrom(tok *oauth2.Token, fallbackRefresh string) *model.CredentialRecord {
	now := m.now().UTC()
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultTokenLifetime)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	return &model.CredentialRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.Type(),
		ExpiresAt:    expiry,
		CreatedAt:    now,
	}
}
