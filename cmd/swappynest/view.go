package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/haasonsaas/swappynest/internal/chat"
	"github.com/haasonsaas/swappynest/pkg/models"
)

// chatView prints each message once, when the server has confirmed it,
// plus connectivity changes.
type chatView struct {
	out   io.Writer
	names map[int64]string

	mu      sync.Mutex
	printed map[string]bool
	failed  map[string]bool
	status  models.ConnectionStatus
}

func newChatView(out io.Writer, names map[int64]string) *chatView {
	return &chatView{
		out:     out,
		names:   names,
		printed: make(map[string]bool),
		failed:  make(map[string]bool),
	}
}

func (v *chatView) render(u chat.Update) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch u.Kind {
	case chat.UpdateMessages:
		for _, msg := range u.Messages {
			switch msg.DeliveryState {
			case models.DeliverySent:
				if !v.printed[msg.ID] {
					v.printed[msg.ID] = true
					fmt.Fprintln(v.out, formatMessage(msg, v.names))
				}
			case models.DeliveryFailed:
				if !v.failed[msg.ClientID] {
					v.failed[msg.ClientID] = true
					fmt.Fprintf(v.out, "-- failed to send: %s\n", msg.Content)
				}
			}
		}
	case chat.UpdateStatus:
		if u.Status != v.status {
			v.status = u.Status
			fmt.Fprintf(v.out, "-- connection %s\n", u.Status)
		}
	case chat.UpdateError:
		if u.Status != "" && u.Status != v.status {
			v.status = u.Status
			fmt.Fprintf(v.out, "-- connection %s\n", u.Status)
		}
	}
}

func formatMessage(msg models.Message, names map[int64]string) string {
	who := names[msg.SenderID]
	if who == "" {
		who = "user " + models.FormatUserID(msg.SenderID)
	}
	text := msg.Content
	if product, ok := chat.ParseProduct(msg.Content); ok {
		text = fmt.Sprintf("[product #%d] %s", product.ID, product.Name)
	}
	return fmt.Sprintf("[%s] %s: %s", msg.Time().Local().Format("15:04"), who, text)
}
