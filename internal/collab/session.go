// Package collab keeps the per-order collaboration state of one operator
// session: who is present, who is typing, and which sections changed
// underneath the local edits.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/channel"
	"github.com/MarcoPoloResearchLab/ordersync/internal/loop"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	"go.uber.org/zap"
)

// cueQueueSize bounds the cues waiting for the notifier; further cues are dropped.
const cueQueueSize = 16

var (
	// ErrSessionClosed is returned by operations issued after Close.
	ErrSessionClosed = errors.New("collab: session closed")
	// ErrNoCommitter is returned by Commit when the session has no commit client.
	ErrNoCommitter = errors.New("collab: commit client is not configured")
	// ErrNoOrder is returned by Commit when no order is open and none was given.
	ErrNoOrder = errors.New("collab: no order is open")
)

// Notifier plays a notification cue.
type Notifier interface {
	Play(category notify.Category)
}

// Committer persists versioned section writes. Implementations own the
// conflict cue: a rejected write must play notify.CategoryConflict before
// Commit returns, as sections.Committer does.
type Committer interface {
	Commit(ctx context.Context, request sections.CommitRequest) (sections.CommitResult, error)
}

// Config wires a Session. Zero durations fall back to the production timings.
type Config struct {
	Identity          protocol.Identity
	BaseURL           string
	Enabled           bool
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	TypingTTL         time.Duration
	Dialer            channel.Dialer
	Committer         Committer
	Notifier          Notifier
	Clock             func() time.Time
	Logger            *zap.Logger

	// OnComment receives raw comment payloads. It runs on the session loop and
	// must not call back into blocking Session methods.
	OnComment func(payload json.RawMessage)
	// OnStatus observes connection state transitions, also on the loop.
	OnStatus func(status channel.Status)
}

// Session drives the collaboration state for whichever order is open.
type Session struct {
	identity  protocol.Identity
	committer Committer
	notifier  Notifier
	onComment func(json.RawMessage)
	onStatus  func(channel.Status)
	logger    *zap.Logger
	cues      chan notify.Category

	loop     *loop.Loop
	manager  *channel.Manager
	presence *PresenceRegistry
	typing   *TypingAggregator
	updates  *UpdateConflictTracker

	orderMu sync.RWMutex
	orderID protocol.OrderID

	closeOnce sync.Once
}

type eventRouter struct {
	session *Session
}

func (r eventRouter) HandleEvent(event protocol.Event) {
	r.session.handle(event)
}

// NewSession validates the identity, starts the session loop and returns a
// Session with no order open.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	session := &Session{
		identity:  cfg.Identity,
		committer: cfg.Committer,
		notifier:  cfg.Notifier,
		onComment: cfg.OnComment,
		onStatus:  cfg.OnStatus,
		logger:    logger,
		loop:      loop.New(),
		presence:  NewPresenceRegistry(),
		updates:   NewUpdateConflictTracker(),
	}
	session.typing = NewTypingAggregator(session.loop, cfg.TypingTTL, cfg.Clock)

	channelConfig := channel.DefaultConfig()
	channelConfig.BaseURL = cfg.BaseURL
	channelConfig.Enabled = cfg.Enabled
	if cfg.HeartbeatInterval > 0 {
		channelConfig.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.ReconnectDelay > 0 {
		channelConfig.ReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.WriteTimeout > 0 {
		channelConfig.WriteTimeout = cfg.WriteTimeout
	}
	channelConfig.Dialer = cfg.Dialer
	channelConfig.Logger = logger
	channelConfig.OnStateChange = session.stateChanged

	manager, err := channel.NewManager(channelConfig, session.loop, eventRouter{session: session})
	if err != nil {
		return nil, err
	}
	session.manager = manager
	if session.notifier != nil {
		session.cues = make(chan notify.Category, cueQueueSize)
		go session.playCues()
	}
	session.loop.Start()
	return session, nil
}

// Open shows an order. Opening a different order closes the previous channel
// normally and forgets its state first; an empty id behaves like Leave.
func (s *Session) Open(orderID protocol.OrderID) error {
	if !s.loop.Call(func() { s.open(orderID) }) {
		return ErrSessionClosed
	}
	return nil
}

// Leave closes the channel and forgets all per-order state.
func (s *Session) Leave() error {
	return s.Open("")
}

// SetEnabled toggles real-time sync. Disabling closes the channel; enabling
// reconnects to the open order.
func (s *Session) SetEnabled(enabled bool) error {
	if !s.loop.Call(func() {
		s.manager.SetEnabled(enabled)
		if enabled {
			s.manager.Connect(s.OrderID(), s.identity)
		}
	}) {
		return ErrSessionClosed
	}
	return nil
}

// SendTyping announces local typing. It is fire-and-forget: without an open
// channel the signal is dropped.
func (s *Session) SendTyping() {
	s.loop.Post(func() {
		if err := s.manager.Send(protocol.TypingMessage()); err != nil {
			s.logger.Debug("typing signal dropped", zap.Error(err))
		}
	})
}

// Commit sends a versioned section write for the open order unless the
// request names one. Conflicts come back as a result and the committer plays
// the conflict cue; the caller refetches, reapplies its edits and commits
// again. Commit blocks on the round trip and must not be called on the loop.
func (s *Session) Commit(ctx context.Context, request sections.CommitRequest) (sections.CommitResult, error) {
	if s.committer == nil {
		return sections.CommitResult{}, ErrNoCommitter
	}
	if request.OrderID == "" {
		request.OrderID = s.OrderID().String()
	}
	if request.OrderID == "" {
		return sections.CommitResult{}, ErrNoOrder
	}
	return s.committer.Commit(ctx, request)
}

// Dismiss clears the pending update notice for one section.
func (s *Session) Dismiss(section string) {
	s.loop.Call(func() { s.updates.Dismiss(section) })
}

// DismissAll clears every pending update notice.
func (s *Session) DismissAll() {
	s.loop.Call(s.updates.DismissAll)
}

// Close tears the session down: timers are cancelled, the channel is closed
// normally and the loop stops. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loop.Call(func() {
			s.manager.Disconnect()
			s.reset()
		})
		s.loop.Stop()
		<-s.loop.Done()
		if s.cues != nil {
			close(s.cues)
		}
	})
}

// Presence returns everyone viewing the order, the local user included.
func (s *Session) Presence() []protocol.PresenceEntry {
	return s.presence.All()
}

// Others returns the other users viewing the order.
func (s *Session) Others() []protocol.PresenceEntry {
	return s.presence.Others(s.identity.ID)
}

// Typing returns the users currently typing.
func (s *Session) Typing() []TypingMarker {
	return s.typing.Active()
}

// PendingUpdates lists sections changed by other sessions.
func (s *Session) PendingUpdates() []SectionVersionNotice {
	return s.updates.Pending()
}

// HasPendingUpdates reports whether a refresh is needed.
func (s *Session) HasPendingUpdates() bool {
	return s.updates.HasPending()
}

// Status returns the connection state.
func (s *Session) Status() channel.Status {
	return s.manager.Status()
}

// OrderID returns the order currently open, or empty.
func (s *Session) OrderID() protocol.OrderID {
	s.orderMu.RLock()
	defer s.orderMu.RUnlock()
	return s.orderID
}

// Identity returns the local identity.
func (s *Session) Identity() protocol.Identity {
	return s.identity
}

func (s *Session) open(orderID protocol.OrderID) {
	current := s.OrderID()
	if orderID == current && orderID != "" {
		s.manager.Connect(orderID, s.identity)
		return
	}
	if current != "" {
		s.manager.Disconnect()
		s.reset()
		s.updates.DismissAll()
	}

	s.orderMu.Lock()
	s.orderID = orderID
	s.orderMu.Unlock()

	if orderID != "" {
		s.logger.Info("opening order", zap.String("order_id", orderID.String()))
		s.manager.Connect(orderID, s.identity)
	}
}

// reset forgets presence and typing. Pending update notices survive a
// reconnect so a refresh prompt is not lost.
func (s *Session) reset() {
	s.presence.Clear()
	s.typing.Clear()
}

func (s *Session) stateChanged(status channel.Status) {
	if !status.Connected {
		s.reset()
	}
	if s.onStatus != nil {
		s.onStatus(status)
	}
}

func (s *Session) handle(event protocol.Event) {
	switch typed := event.(type) {
	case protocol.SyncConnected:
		s.presence.Replace(typed.Users)
	case protocol.UserJoined:
		s.presence.Replace(typed.Users)
		s.play(notify.CategoryJoin)
	case protocol.UserLeft:
		s.presence.Replace(typed.Users)
	case protocol.UserTyping:
		if typed.UserID == s.identity.ID {
			return
		}
		s.typing.Touch(typed.UserID, typed.UserName)
	case protocol.SectionUpdated:
		if typed.UpdatedByID == s.identity.ID {
			return
		}
		s.updates.Record(SectionVersionNotice{
			Section:       typed.Section,
			Version:       typed.Version,
			UpdatedByID:   typed.UpdatedByID,
			UpdatedByName: typed.UpdatedByName,
			ChangedFields: append([]string{}, typed.ChangedFields...),
			Summary:       typed.ChangesSummary,
			Timestamp:     typed.Timestamp,
		})
		s.logger.Info("section updated elsewhere",
			zap.String("order_id", s.OrderID().String()),
			zap.String("section", typed.Section),
			zap.Int64("version", typed.Version),
			zap.String("updated_by", typed.UpdatedByName))
		s.play(notify.CategoryUpdate)
	case protocol.CommentAdded:
		if s.onComment != nil {
			s.onComment(typed.Raw)
		}
		s.play(notify.CategoryUpdate)
	default:
		s.logger.Debug("unhandled event", zap.String("type", event.EventType()))
	}
}

// play queues a cue for the notifier goroutine so a slow player never holds
// up the loop.
func (s *Session) play(category notify.Category) {
	if s.cues == nil {
		return
	}
	select {
	case s.cues <- category:
	default:
		s.logger.Debug("notification cue dropped", zap.String("category", string(category)))
	}
}

func (s *Session) playCues() {
	for category := range s.cues {
		s.notifier.Play(category)
	}
}
