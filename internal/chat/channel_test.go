package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/swappynest/internal/socket"
	"github.com/haasonsaas/swappynest/pkg/models"
)

var testNow = time.Unix(1_800_000_000, 0)

type stubTimer struct{}

func (stubTimer) Stop() bool { return true }

// heldClock never fires, so reconnects stay pending for the test to inspect.
type heldClock struct{}

func (heldClock) AfterFunc(time.Duration, func()) socket.Timer { return stubTimer{} }

type chatConn struct {
	incoming chan []byte
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newChatConn() *chatConn {
	return &chatConn{incoming: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *chatConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		return nil, &socket.CloseError{Code: socket.CloseNormal, WasClean: true}
	}
}

func (c *chatConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *chatConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *chatConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *chatConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, data := range c.written {
		out[i] = string(data)
	}
	return out
}

type chatDialer struct {
	mu    sync.Mutex
	conns []*chatConn
	urls  []string
	fail  error
}

func (d *chatDialer) Dial(_ context.Context, url string) (socket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail != nil {
		return nil, d.fail
	}
	conn := newChatConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *chatDialer) last() *chatConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *chatDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeHistory struct {
	records []json.RawMessage
	err     error
	calls   []int64
}

func (h *fakeHistory) ConversationMessages(_ context.Context, id int64) ([]json.RawMessage, error) {
	h.calls = append(h.calls, id)
	return h.records, h.err
}

func newTestSockets(t *testing.T, dialer *chatDialer) *socket.Manager {
	t.Helper()
	m, err := socket.NewManager(socket.Options{Factory: dialer, Clock: heldClock{}})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

func newTestChannel(t *testing.T, sockets *socket.Manager, history HistorySource) *Channel {
	t.Helper()
	ids := 0
	ch, err := NewChannel(ChannelOptions{
		Self:           1,
		Peer:           2,
		ConversationID: 10,
		WSBaseURL:      "ws://chat.test/",
		Sockets:        sockets,
		History:        history,
		Now:            func() time.Time { return testNow },
		NewID: func() string {
			ids++
			return "client-" + models.FormatUserID(int64(ids))
		},
	})
	if err != nil {
		t.Fatalf("NewChannel() error = %v", err)
	}
	return ch
}

// waitForMessages blocks until the channel's store satisfies cond.
func waitForMessages(t *testing.T, ch *Channel, cond func([]models.Message) bool) []models.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := ch.Messages(); cond(msgs) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out; messages = %+v", ch.Messages())
	return nil
}

func TestChannelURL(t *testing.T) {
	if got, want := ChannelURL("ws://host:8000/", "conversation_1_2"), "ws://host:8000/ws/chat/conversation_1_2/"; got != want {
		t.Fatalf("ChannelURL() = %q, want %q", got, want)
	}
}

func TestNewChannelValidation(t *testing.T) {
	sockets := newTestSockets(t, &chatDialer{})
	tests := map[string]ChannelOptions{
		"no sockets":       {Self: 1, Peer: 2, WSBaseURL: "ws://x"},
		"same participant": {Self: 1, Peer: 1, WSBaseURL: "ws://x", Sockets: sockets},
		"no peer":          {Self: 1, WSBaseURL: "ws://x", Sockets: sockets},
		"no url":           {Self: 1, Peer: 2, Sockets: sockets},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewChannel(opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestChannelSendAndReconcile(t *testing.T) {
	dialer := &chatDialer{}
	ch := newTestChannel(t, newTestSockets(t, dialer), nil)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dialer.urls[0] != "ws://chat.test/ws/chat/conversation_1_2/" {
		t.Fatalf("dialed %q", dialer.urls[0])
	}
	if ch.Status() != models.ConnectionStatusConnected {
		t.Fatalf("Status() = %s", ch.Status())
	}

	updates := make(chan Update, 16)
	unsubscribe := ch.Subscribe(func(u Update) { updates <- u })
	defer unsubscribe()

	sent, err := ch.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.ClientID != "client-1" || !sent.Pending() {
		t.Fatalf("sent = %+v", sent)
	}
	select {
	case u := <-updates:
		if u.Kind != UpdateMessages || len(u.Messages) != 1 || !u.Messages[0].Pending() {
			t.Fatalf("first update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update for the optimistic message")
	}

	conn := dialer.last()
	if frames := conn.frames(); len(frames) != 1 || frames[0] != `{"sender_id":1,"receiver_id":2,"message":"hello"}` {
		t.Fatalf("frames = %v", frames)
	}

	conn.incoming <- []byte(`{"id":99,"sender_id":1,"receiver_id":2,"content":"hello","timestamp":1800000001}`)
	msgs := waitForMessages(t, ch, func(msgs []models.Message) bool {
		return len(msgs) == 1 && msgs[0].ID == "99"
	})
	if msgs[0].ClientID != "client-1" || msgs[0].DeliveryState != models.DeliverySent {
		t.Fatalf("reconciled = %+v", msgs[0])
	}
}

func TestChannelSendRequiresOpenSocket(t *testing.T) {
	ch := newTestChannel(t, newTestSockets(t, &chatDialer{}), nil)

	_, err := ch.Send(context.Background(), "hello")
	if !errors.Is(err, ErrSocketUnavailable) {
		t.Fatalf("expected ErrSocketUnavailable, got %v", err)
	}
	if ch.store.Len() != 0 {
		t.Fatal("nothing should be queued when the socket is unavailable")
	}
}

func TestChannelSendWriteFailureMarksFailed(t *testing.T) {
	dialer := &chatDialer{}
	ch := newTestChannel(t, newTestSockets(t, dialer), nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	conn := dialer.last()
	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	msg, err := ch.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected write error")
	}
	if msg.DeliveryState != models.DeliveryFailed {
		t.Fatalf("returned state = %s", msg.DeliveryState)
	}
	msgs := ch.Messages()
	if len(msgs) != 1 || msgs[0].DeliveryState != models.DeliveryFailed {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestChannelSendProduct(t *testing.T) {
	dialer := &chatDialer{}
	ch := newTestChannel(t, newTestSockets(t, dialer), nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	product := models.Product{ID: 3, Name: "Lamp"}
	msg, err := ch.SendProduct(context.Background(), product)
	if err != nil {
		t.Fatalf("SendProduct() error = %v", err)
	}
	got, ok := ParseProduct(msg.Content)
	if !ok || got != product {
		t.Fatalf("content %q does not carry the product", msg.Content)
	}

	var frame struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(dialer.last().frames()[0]), &frame); err != nil {
		t.Fatalf("frame is not json: %v", err)
	}
	if frame.Message != msg.Content {
		t.Fatalf("frame message = %q", frame.Message)
	}
}

func TestChannelDiscardsMalformedAndDuplicateFrames(t *testing.T) {
	dialer := &chatDialer{}
	ch := newTestChannel(t, newTestSockets(t, dialer), nil)

	errs := make(chan error, 4)
	ch.Subscribe(func(u Update) {
		if u.Kind == UpdateError {
			errs <- u.Err
		}
	})
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	conn := dialer.last()
	conn.incoming <- []byte(`{"id":2,"sender_id":2,"content":"second","timestamp":1800000002}`)
	conn.incoming <- []byte(`not json`)
	conn.incoming <- []byte(`{"id":1,"sender_id":2,"content":"first","timestamp":1800000001}`)
	conn.incoming <- []byte(`{"id":2,"sender_id":2,"content":"second","timestamp":1800000002}`)
	conn.incoming <- []byte(`{"id":3,"sender_id":1,"content":"third","timestamp":1800000003}`)

	msgs := waitForMessages(t, ch, func(msgs []models.Message) bool {
		return len(msgs) == 3
	})
	for i, want := range []string{"1", "2", "3"} {
		if msgs[i].ID != want {
			t.Fatalf("message %d id = %s, want %s", i, msgs[i].ID, want)
		}
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrMessageDecode) {
			t.Fatalf("expected decode error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("malformed frame was not reported")
	}
}

func TestChannelLoadHistory(t *testing.T) {
	history := &fakeHistory{records: []json.RawMessage{
		json.RawMessage(`{"id":5,"sender_id":2,"content":"older","timestamp":"2027-01-15 08:00:00+00:00"}`),
		json.RawMessage(`{"id":6,"sender_id":1,"content":"hello","timestamp":"2027-01-15 08:00:05+00:00"}`),
		json.RawMessage(`{"broken":true}`),
	}}
	dialer := &chatDialer{}
	ch := newTestChannel(t, newTestSockets(t, dialer), history)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	dialer.last().incoming <- []byte(`{"id":6,"sender_id":1,"content":"hello","timestamp":"2027-01-15 08:00:05"}`)
	waitForMessages(t, ch, func(msgs []models.Message) bool { return len(msgs) == 1 })

	added, err := ch.LoadHistory(context.Background())
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if len(history.calls) != 1 || history.calls[0] != 10 {
		t.Fatalf("history calls = %v", history.calls)
	}
	msgs := ch.Messages()
	if len(msgs) != 2 || msgs[0].ID != "5" || msgs[1].ID != "6" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestChannelLoadHistoryErrors(t *testing.T) {
	sockets := newTestSockets(t, &chatDialer{})
	if _, err := newTestChannel(t, sockets, nil).LoadHistory(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}

	boom := errors.New("boom")
	_, err := newTestChannel(t, sockets, &fakeHistory{err: boom}).LoadHistory(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

func TestChannelDialFailureIsDegraded(t *testing.T) {
	dialer := &chatDialer{fail: errors.New("connection refused")}
	sockets := newTestSockets(t, dialer)
	ch := newTestChannel(t, sockets, nil)

	if err := ch.Open(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if ch.Status() != models.ConnectionStatusReconnecting {
		t.Fatalf("Status() = %s", ch.Status())
	}
	if !sockets.Pending(ch.Key()) {
		t.Fatal("expected a pending reconnect")
	}
	if _, err := ch.Send(context.Background(), "hi"); !errors.Is(err, ErrSocketUnavailable) {
		t.Fatalf("expected ErrSocketUnavailable, got %v", err)
	}
}
