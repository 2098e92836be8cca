// Package chat specializes the socket manager per conversation: outbound
// frames, inbound decoding and a de-duplicated, time-ordered message store.
package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/swappynest/pkg/models"
)

const keyPrefix = "conversation_"

// ConversationKey names the channel shared by two users. The ids are
// sorted so both sides compute the same key.
func ConversationKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return keyPrefix + strconv.FormatInt(a, 10) + "_" + strconv.FormatInt(b, 10)
}

// ParseConversationKey returns the two participant ids in a key.
func ParseConversationKey(key string) (int64, int64, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("conversation key %q: missing %q prefix", key, keyPrefix)
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("conversation key %q: want two participant ids", key)
	}
	a, errA := strconv.ParseInt(parts[0], 10, 64)
	b, errB := strconv.ParseInt(parts[1], 10, 64)
	if err := errors.Join(errA, errB); err != nil {
		return 0, 0, fmt.Errorf("conversation key %q: %w", key, err)
	}
	if a > b {
		return 0, 0, fmt.Errorf("conversation key %q: ids not sorted", key)
	}
	return a, b, nil
}

// KeyForConversation derives the key of a two-party conversation.
func KeyForConversation(conv models.Conversation) (string, error) {
	ids := conv.ParticipantIDs()
	if len(ids) != 2 {
		return "", fmt.Errorf("conversation %d has %d participants, want 2", conv.ID, len(ids))
	}
	return ConversationKey(ids[0], ids[1]), nil
}
