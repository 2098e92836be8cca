package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/haasonsaas/swappynest/pkg/models"
)

// Resource paths.
const (
	ProfilePath       = "/api/user/profile/"
	ConversationsPath = "/api/chatapp/conversations/"
)

// ConversationMessagesPath is the history endpoint of one conversation.
func ConversationMessagesPath(id int64) string {
	return ConversationsPath + strconv.FormatInt(id, 10) + "/messages/"
}

// Profile fetches the signed-in user's profile.
func (g *Gateway) Profile(ctx context.Context) (models.UserProfile, error) {
	var profile models.UserProfile
	if err := g.getJSON(ctx, ProfilePath, &profile); err != nil {
		return models.UserProfile{}, err
	}
	return profile, nil
}

// Conversations lists the conversations the user takes part in.
func (g *Gateway) Conversations(ctx context.Context) ([]models.Conversation, error) {
	records, err := g.getList(ctx, ConversationsPath)
	if err != nil {
		return nil, err
	}
	conversations := make([]models.Conversation, 0, len(records))
	for i, record := range records {
		var conv models.Conversation
		if err := json.Unmarshal(record, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %d: %w", i, err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// ConversationMessages returns a conversation's stored messages as raw
// records, leaving their interpretation to the chat layer.
func (g *Gateway) ConversationMessages(ctx context.Context, conversationID int64) ([]json.RawMessage, error) {
	return g.getList(ctx, ConversationMessagesPath(conversationID))
}

func (g *Gateway) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := g.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(bytes.TrimSpace(resp.Body)), 200),
		}
	}
	return resp.Body, nil
}

func (g *Gateway) getJSON(ctx context.Context, path string, out any) error {
	data, err := g.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// getList accepts either a bare JSON array or a paginated
// {"results": [...]} page.
func (g *Gateway) getList(ctx context.Context, path string) ([]json.RawMessage, error) {
	data, err := g.get(ctx, path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var page struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return page.Results, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return list, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
