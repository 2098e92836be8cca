package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/swappynest/internal/observability"
	"github.com/haasonsaas/swappynest/internal/socket"
	"github.com/haasonsaas/swappynest/pkg/models"
)

// HubOptions configures a Hub. The fields mirror ChannelOptions and are
// applied to every channel the hub opens.
type HubOptions struct {
	WSBaseURL         string
	Sockets           *socket.Manager
	History           HistorySource
	CorrelationWindow time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Hub owns every open conversation channel, one per key.
type Hub struct {
	opts   HubOptions
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewHub builds a Hub.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Sockets == nil {
		return nil, errors.New("chat hub: socket manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		opts:     opts,
		logger:   opts.Logger.With("component", "chat_hub"),
		channels: make(map[string]*Channel),
	}, nil
}

// Open returns the channel for a two-party conversation, connecting it.
// Reopening a known conversation keeps its messages and reconnects.
func (h *Hub) Open(ctx context.Context, self int64, conv models.Conversation) (*Channel, error) {
	peer, ok := conv.Peer(self)
	if !ok {
		return nil, fmt.Errorf("conversation %d has no participant other than %d", conv.ID, self)
	}
	if _, err := KeyForConversation(conv); err != nil {
		return nil, err
	}
	return h.open(ctx, self, peer.ID, conv.ID)
}

// OpenPeer opens a conversation known only by the other participant's id.
// The channel has no REST history.
func (h *Hub) OpenPeer(ctx context.Context, self, peer int64) (*Channel, error) {
	return h.open(ctx, self, peer, 0)
}

func (h *Hub) open(ctx context.Context, self, peer, conversationID int64) (*Channel, error) {
	key := ConversationKey(self, peer)

	h.mu.Lock()
	ch := h.channels[key]
	if ch == nil {
		var err error
		ch, err = NewChannel(ChannelOptions{
			Self:              self,
			Peer:              peer,
			ConversationID:    conversationID,
			WSBaseURL:         h.opts.WSBaseURL,
			Sockets:           h.opts.Sockets,
			History:           h.opts.History,
			CorrelationWindow: h.opts.CorrelationWindow,
			Logger:            h.opts.Logger,
			Metrics:           h.opts.Metrics,
			Now:               h.opts.Now,
			NewID:             h.opts.NewID,
		})
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		h.channels[key] = ch
	}
	h.mu.Unlock()
	// a channel first opened by peer id learns its conversation here
	ch.setConversationID(conversationID)

	// a failed dial still leaves a reconnect pending, so the channel is usable
	if err := ch.Open(ctx); err != nil {
		h.logger.Warn("conversation opened degraded", "conversation", key, "error", err)
		return ch, err
	}
	return ch, nil
}

// Get returns an already opened channel.
func (h *Hub) Get(key string) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[key]
	return ch, ok
}

// Keys lists the keys of every channel the hub holds.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.channels))
	for key := range h.channels {
		keys = append(keys, key)
	}
	return keys
}

// Close closes and forgets the channel for key.
func (h *Hub) Close(key string) {
	h.mu.Lock()
	ch := h.channels[key]
	delete(h.channels, key)
	h.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// CloseAll closes every channel. Used when the session ends.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]*Channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if len(channels) > 0 {
		h.logger.Info("closed all conversations", "count", len(channels))
	}
}
