package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/adapter"
	"github.com/jun/docbrowser/internal/model"
)

// renewTimeout bounds a timer-driven renewal, which has no caller context.
const renewTimeout = time.Minute

// reloadInterval throttles store reloads caused by unknown channel ids.
const reloadInterval = 10 * time.Second

// State is the lifecycle state of the channel manager.
type State string

const (
	StateUnregistered State = "unregistered"
	StateActive       State = "active"
	StateRenewing     State = "renewing"
	StateStopped      State = "stopped"
)

// Notification is one inbound push from the provider.
type Notification struct {
	ChannelID     string
	ResourceState string
	ResourceID    string
	MessageNumber string
}

// Disposition is what HandleNotification did with a notification.
type Disposition string

const (
	Rejected Disposition = "rejected"
	Ignored  Disposition = "ignored"
	Synced   Disposition = "synced"
)

// SyncConsumer is told that remote state may have changed. SyncNow must not
// block on the reconciliation itself.
type SyncConsumer interface {
	SyncNow()
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State     State          `json:"state"`
	Channel   *model.Channel `json:"channel,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// Options configure a Manager.
type Options struct {
	// ResourceID is the watched resource, usually the root folder id.
	ResourceID string
	// TTL is the lifetime requested for each channel.
	TTL time.Duration
	// RenewBefore is how long before expiry the channel is replaced.
	RenewBefore time.Duration
	Scheduler   Scheduler
}

// Manager owns the push-notification channel: registration, renewal before
// expiry, validation of inbound notifications and teardown.
type Manager struct {
	provider adapter.Provider
	store    ChannelStore
	consumer SyncConsumer
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	// status is replaced whole so notification handling never takes mu.
	status atomic.Pointer[Status]

	mu         sync.Mutex
	timer      Timer
	renewAt    time.Time
	generation uint64
	lastReload time.Time
}

// NewManager creates a Manager in the unregistered state.
func NewManager(provider adapter.Provider, store ChannelStore, consumer SyncConsumer, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler{}
	}
	m := &Manager{
		provider: provider,
		store:    store,
		consumer: consumer,
		logger:   logger.Named("channels"),
		opts:     opts,
		now:      time.Now,
	}
	m.status.Store(&Status{State: StateUnregistered})
	return m
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// Start registers a new channel delivering to webhookURL. A channel that is
// already active is stopped first. On failure the manager is unregistered and
// a *ChannelRegistrationError is returned.
func (m *Manager) Start(ctx context.Context, webhookURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.status.Load(); cur.Channel != nil {
		m.logger.Info("superseding active channel", zap.String("channel_id", cur.Channel.ID))
		_ = m.stopLocked(ctx, StateUnregistered)
	}
	return m.registerLocked(ctx, webhookURL)
}

// Stop tears down the active channel. Local and persisted state are cleared
// even when the provider call fails; that failure is returned. Stopping with
// no channel is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, StateStopped)
}

// HandleNotification validates an inbound notification and triggers a sync
// for change and sync states.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) Disposition {
	st := m.status.Load()
	if n.ChannelID != "" && (st.Channel == nil || n.ChannelID != st.Channel.ID) {
		// Another process may have registered or renewed the channel.
		st = m.reload(ctx, n.ChannelID)
	}
	if st.Channel == nil || n.ChannelID == "" || n.ChannelID != st.Channel.ID {
		m.logger.Warn("notification for unknown channel rejected",
			zap.String("channel_id", n.ChannelID),
			zap.String("resource_state", n.ResourceState),
		)
		return Rejected
	}
	if !st.Channel.Valid(m.now()) {
		m.logger.Warn("notification for expired channel rejected", zap.String("channel_id", n.ChannelID))
		return Rejected
	}

	switch strings.ToLower(n.ResourceState) {
	case "change", "sync":
		m.logger.Debug("remote change notified",
			zap.String("resource_state", n.ResourceState),
			zap.String("message_number", n.MessageNumber),
		)
		m.consumer.SyncNow()
		return Synced
	default:
		m.logger.Debug("notification ignored", zap.String("resource_state", n.ResourceState))
		return Ignored
	}
}

// Restore reactivates a persisted, unexpired channel after a cold start. It
// reports whether a channel is active afterwards.
func (m *Manager) Restore(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.Load().Channel != nil {
		return true
	}

	ch, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Error("failed to load persisted channel", zap.Error(err))
		return false
	}
	if ch == nil {
		return false
	}
	if !ch.Valid(m.now()) {
		m.logger.Info("discarding expired channel", zap.String("channel_id", ch.ID))
		if err := m.store.Delete(ctx, ch.ID); err != nil {
			m.logger.Warn("failed to delete expired channel", zap.Error(err))
		}
		return false
	}

	m.adoptLocked(ch)
	m.logger.Info("channel restored",
		zap.String("channel_id", ch.ID),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	return true
}

// RenewIfDue runs a renewal whose scheduled time has passed. Processes that
// are frozen between requests call it so renewal does not depend on a timer
// firing. It reports whether a channel is active afterwards.
func (m *Manager) RenewIfDue(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.status.Load()
	if cur.Channel == nil || cur.State != StateActive {
		return false
	}
	if m.renewAt.IsZero() || m.now().Before(m.renewAt) {
		return true
	}
	return m.renewLocked(ctx, cur)
}

// reload adopts the persisted channel when it is the one named by a
// notification. Reloads are throttled so a stream of forged ids cannot turn
// into a stream of store reads.
func (m *Manager) reload(ctx context.Context, channelID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.status.Load()
	if cur.Channel != nil && cur.Channel.ID == channelID {
		return cur
	}
	now := m.now()
	if !m.lastReload.IsZero() && now.Sub(m.lastReload) < reloadInterval {
		return cur
	}
	m.lastReload = now

	ch, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to reload persisted channel", zap.Error(err))
		return cur
	}
	if ch == nil || ch.ID != channelID || !ch.Valid(now) {
		return cur
	}

	m.adoptLocked(ch)
	m.logger.Info("adopted channel registered by another process",
		zap.String("channel_id", ch.ID),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	return m.status.Load()
}

// adoptLocked must be called with mu held. The provider side of any channel
// this process held before is left alone; its registrant owns it.
func (m *Manager) adoptLocked(ch *model.Channel) {
	m.status.Store(&Status{State: StateActive, Channel: ch})
	m.scheduleLocked(ch)
}

// registerLocked must be called with mu held.
func (m *Manager) registerLocked(ctx context.Context, webhookURL string) error {
	fail := func(err error) error {
		m.status.Store(&Status{State: StateUnregistered, LastError: err.Error()})
		return &ChannelRegistrationError{WebhookURL: webhookURL, Err: err}
	}

	storage, err := m.provider.Storage(ctx)
	if err != nil {
		return fail(err)
	}

	id := "channel-" + uuid.NewString()
	res, err := storage.Watch(ctx, m.opts.ResourceID, adapter.WatchRequest{
		ChannelID: id,
		Address:   webhookURL,
		ExpiresAt: m.now().Add(m.opts.TTL),
	})
	if err != nil {
		m.logger.Error("channel registration failed", zap.String("webhook_url", webhookURL), zap.Error(err))
		return fail(err)
	}

	ch := &model.Channel{
		ID:          id,
		ResourceID:  res.ResourceID,
		ResourceURI: res.ResourceURI,
		WebhookURL:  webhookURL,
		ExpiresAt:   res.ExpiresAt,
	}
	if res.ChannelID != "" {
		ch.ID = res.ChannelID
	}

	if err := m.store.Save(ctx, ch); err != nil {
		m.logger.Error("channel active but not persisted", zap.String("channel_id", ch.ID), zap.Error(err))
	}

	m.status.Store(&Status{State: StateActive, Channel: ch})
	m.scheduleLocked(ch)
	m.logger.Info("channel registered",
		zap.String("channel_id", ch.ID),
		zap.String("resource_id", ch.ResourceID),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	return nil
}

// stopLocked must be called with mu held.
func (m *Manager) stopLocked(ctx context.Context, final State) error {
	m.cancelTimerLocked()

	cur := m.status.Load()
	ch := cur.Channel
	if ch == nil {
		if cur.State != final {
			m.status.Store(&Status{State: final, LastError: cur.LastError})
		}
		return nil
	}
	m.status.Store(&Status{State: final})

	if err := m.store.Delete(ctx, ch.ID); err != nil {
		m.logger.Warn("failed to delete persisted channel", zap.String("channel_id", ch.ID), zap.Error(err))
	}

	storage, err := m.provider.Storage(ctx)
	if err == nil {
		err = storage.StopChannel(ctx, ch.ID, ch.ResourceID)
	}
	if err != nil {
		m.logger.Warn("provider did not stop channel", zap.String("channel_id", ch.ID), zap.Error(err))
		return fmt.Errorf("stop channel %s: %w", ch.ID, err)
	}
	m.logger.Info("channel stopped", zap.String("channel_id", ch.ID))
	return nil
}

// scheduleLocked must be called with mu held.
func (m *Manager) scheduleLocked(ch *model.Channel) {
	m.cancelTimerLocked()

	remaining := ch.ExpiresAt.Sub(m.now())
	delay := remaining - m.opts.RenewBefore
	if delay <= 0 {
		// Granted lifetime shorter than the lead.
		delay = remaining / 2
	}
	if delay < 0 {
		delay = 0
	}

	m.renewAt = m.now().Add(delay)
	gen := m.generation
	m.timer = m.opts.Scheduler.AfterFunc(delay, func() { m.renew(gen) })
	m.logger.Debug("renewal scheduled", zap.String("channel_id", ch.ID), zap.Duration("in", delay))
}

// cancelTimerLocked must be called with mu held. Bumping the generation
// turns any callback already in flight into a no-op.
func (m *Manager) cancelTimerLocked() {
	m.generation++
	m.renewAt = time.Time{}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) renew(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}
	cur := m.status.Load()
	if cur.Channel == nil || cur.State != StateActive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()
	m.renewLocked(ctx, cur)
}

// renewLocked must be called with mu held and an active channel. A newer
// channel persisted by another process is adopted instead of registering a
// third one.
func (m *Manager) renewLocked(ctx context.Context, cur *Status) bool {
	stored, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted channel before renewal", zap.Error(err))
	}
	if stored != nil && stored.ID != cur.Channel.ID && stored.Valid(m.now()) {
		m.adoptLocked(stored)
		m.logger.Info("renewal skipped, adopted newer channel", zap.String("channel_id", stored.ID))
		return true
	}

	m.status.Store(&Status{State: StateRenewing, Channel: cur.Channel})
	m.logger.Info("renewing channel", zap.String("channel_id", cur.Channel.ID))

	webhookURL := cur.Channel.WebhookURL
	_ = m.stopLocked(ctx, StateRenewing)
	if err := m.registerLocked(ctx, webhookURL); err != nil {
		m.logger.Error("channel renewal failed, notifications stopped", zap.Error(err))
		return false
	}
	return true
}
