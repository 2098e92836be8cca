package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/swappynest/internal/observability"
	"github.com/haasonsaas/swappynest/internal/socket"
	"github.com/haasonsaas/swappynest/pkg/models"
)

// ErrSocketUnavailable is returned by Send when the conversation's channel is not open.
var ErrSocketUnavailable = socket.ErrSocketUnavailable

// ErrNoHistory is returned by LoadHistory when the channel has no history source.
var ErrNoHistory = errors.New("conversation history unavailable")

// HistorySource fetches the stored messages of a conversation as raw
// records in the inbound frame shape.
type HistorySource interface {
	ConversationMessages(ctx context.Context, conversationID int64) ([]json.RawMessage, error)
}

// UpdateKind says what changed in an Update.
type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateStatus   UpdateKind = "status"
	UpdateError    UpdateKind = "error"
)

// Update is pushed to channel subscribers. Messages is a snapshot of the
// whole ordered list.
type Update struct {
	Kind     UpdateKind
	Key      string
	Messages []models.Message
	Status   models.ConnectionStatus
	Err      error
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Self int64
	Peer int64
	// ConversationID addresses REST history. Zero disables LoadHistory.
	ConversationID int64

	WSBaseURL string
	Sockets   *socket.Manager
	History   HistorySource

	CorrelationWindow time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Channel is one conversation's realtime channel and message store.
type Channel struct {
	key            string
	url            string
	self int64
	peer int64
	// conversationID is 0 until the REST conversation is known.
	conversationID atomic.Int64

	sockets *socket.Manager
	history HistorySource
	store   *Store

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string

	mu          sync.Mutex
	subscribers map[int]func(Update)
	nextSub     int
}

// NewChannel builds a channel for the conversation between Self and Peer.
// It does not connect; call Open.
func NewChannel(opts ChannelOptions) (*Channel, error) {
	if opts.Sockets == nil {
		return nil, errors.New("chat channel: socket manager is required")
	}
	if opts.Self == 0 || opts.Peer == 0 || opts.Self == opts.Peer {
		return nil, fmt.Errorf("chat channel: need two distinct participants, got %d and %d", opts.Self, opts.Peer)
	}
	if strings.TrimSpace(opts.WSBaseURL) == "" {
		return nil, errors.New("chat channel: websocket base url is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "tmp-" + uuid.NewString() }
	}

	key := ConversationKey(opts.Self, opts.Peer)
	ch := &Channel{
		key:         key,
		url:         ChannelURL(opts.WSBaseURL, key),
		self:        opts.Self,
		peer:        opts.Peer,
		sockets:     opts.Sockets,
		history:     opts.History,
		store:       NewStore(opts.CorrelationWindow),
		logger:      opts.Logger.With("component", "chat", "conversation", key),
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
		subscribers: make(map[int]func(Update)),
	}
	ch.conversationID.Store(opts.ConversationID)
	return ch, nil
}

// ChannelURL is the WebSocket endpoint for a conversation key.
func ChannelURL(wsBaseURL, key string) string {
	return strings.TrimRight(wsBaseURL, "/") + "/ws/chat/" + key + "/"
}

// Key returns the conversation key.
func (c *Channel) Key() string { return c.key }

// URL returns the WebSocket endpoint.
func (c *Channel) URL() string { return c.url }

// Open connects the channel, replacing any live connection for the key.
// A failed dial leaves a reconnect pending and is reported as an error.
func (c *Channel) Open(ctx context.Context) error {
	ctx = observability.AddConversation(ctx, c.key)
	if err := c.sockets.Connect(ctx, c.key, c.url, c.handleEvent); err != nil {
		return fmt.Errorf("open conversation %s: %w", c.key, err)
	}
	return nil
}

// Close stops the channel. No reconnect follows.
func (c *Channel) Close() {
	c.sockets.Close(c.key)
}

// Status reports the channel's connectivity flag.
func (c *Channel) Status() models.ConnectionStatus {
	return c.sockets.Status(c.key)
}

// Messages returns the ordered message list.
func (c *Channel) Messages() []models.Message {
	return c.store.Messages()
}

// Subscribe registers fn for updates and returns a func that removes it.
func (c *Channel) Subscribe(fn func(Update)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Send writes text to the peer. The message is shown as pending at once and
// marked failed if the write does not go through.
func (c *Channel) Send(ctx context.Context, text string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if !c.Status().Usable() {
		return models.Message{}, fmt.Errorf("send to %s: %w", c.key, ErrSocketUnavailable)
	}
	frame, err := EncodeText(c.self, c.peer, text)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message: %w", err)
	}

	msg := models.Message{
		ClientID:        c.newID(),
		ConversationKey: c.key,
		SenderID:        c.self,
		ReceiverID:      c.peer,
		Content:         text,
		Timestamp:       c.now().UnixMilli(),
		DeliveryState:   models.DeliveryPending,
	}
	c.store.AddPending(msg)
	c.notifyMessages()

	if err := c.sockets.Send(c.key, frame); err != nil {
		c.store.MarkFailed(msg.ClientID)
		c.metrics.RecordFrame("send_failed")
		c.logger.Warn("message send failed", "client_id", msg.ClientID, "error", err)
		c.notifyMessages()
		msg.DeliveryState = models.DeliveryFailed
		return msg, fmt.Errorf("send to %s: %w", c.key, err)
	}
	c.metrics.RecordFrame("sent")
	return msg, nil
}

// SendProduct shares a product with the peer.
func (c *Channel) SendProduct(ctx context.Context, product models.Product) (models.Message, error) {
	content, err := ProductContent(product)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode product: %w", err)
	}
	return c.Send(ctx, content)
}

// ConversationID returns the REST conversation id, or 0 when unknown.
func (c *Channel) ConversationID() int64 { return c.conversationID.Load() }

// setConversationID records the REST conversation id once it is known.
func (c *Channel) setConversationID(id int64) {
	if id != 0 {
		c.conversationID.Store(id)
	}
}

// LoadHistory merges the conversation's stored messages and returns how
// many were new. Malformed records are skipped.
func (c *Channel) LoadHistory(ctx context.Context) (int, error) {
	conversationID := c.conversationID.Load()
	if c.history == nil || conversationID == 0 {
		return 0, ErrNoHistory
	}
	records, err := c.history.ConversationMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load history for %s: %w", c.key, err)
	}

	msgs := make([]models.Message, 0, len(records))
	for _, record := range records {
		msg, err := DecodeFrame(record, c.key)
		if err != nil {
			c.metrics.RecordFrame("malformed")
			c.logger.Warn("skipping malformed history record", "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	added := c.store.MergeHistory(msgs)
	c.logger.Debug("history loaded", "records", len(records), "added", added)
	if added > 0 {
		c.notifyMessages()
	}
	return added, nil
}

func (c *Channel) handleEvent(ev socket.Event) {
	switch ev.Type {
	case socket.EventMessage:
		msg, err := DecodeFrame(ev.Data, c.key)
		if err != nil {
			c.metrics.RecordFrame("malformed")
			c.logger.Warn("discarding malformed frame", "error", err)
			c.notify(Update{Kind: UpdateError, Err: err})
			return
		}
		result := c.store.Merge(msg)
		c.metrics.RecordFrame(string(result))
		if result != MergeDuplicate {
			c.notifyMessages()
		}
	case socket.EventError:
		c.notify(Update{Kind: UpdateError, Err: ev.Err, Status: c.Status()})
	default:
		c.notify(Update{Kind: UpdateStatus, Status: c.Status()})
	}
}

func (c *Channel) notifyMessages() {
	c.notify(Update{Kind: UpdateMessages, Messages: c.store.Messages()})
}

func (c *Channel) notify(update Update) {
	update.Key = c.key
	c.mu.Lock()
	subs := make([]func(Update), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(update)
	}
}
