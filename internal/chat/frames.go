package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/swappynest/pkg/models"
)

// ErrMessageDecode marks an inbound frame that could not be turned into a message.
var ErrMessageDecode = errors.New("message decode error")

// outboundFrame is what the server's chat consumer reads.
type outboundFrame struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Message    string `json:"message"`
}

// inboundFrame is what the server broadcasts, and the shape of a history record.
type inboundFrame struct {
	ID         json.RawMessage `json:"id"`
	SenderID   json.Number     `json:"sender_id"`
	ReceiverID json.Number     `json:"receiver_id"`
	Content    *string         `json:"content"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// productEnvelope is carried inside a message's text.
type productEnvelope struct {
	Type string         `json:"type"`
	Data models.Product `json:"data"`
}

const productEnvelopeType = "product"

// EncodeText builds an outbound text frame.
func EncodeText(senderID, receiverID int64, text string) ([]byte, error) {
	return json.Marshal(outboundFrame{SenderID: senderID, ReceiverID: receiverID, Message: text})
}

// ProductContent renders the envelope text for sharing a product.
func ProductContent(product models.Product) (string, error) {
	data, err := json.Marshal(productEnvelope{Type: productEnvelopeType, Data: product})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseProduct extracts a product from message content, if it carries one.
func ParseProduct(content string) (models.Product, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return models.Product{}, false
	}
	var env productEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || env.Type != productEnvelopeType {
		return models.Product{}, false
	}
	return env.Data, true
}

// DecodeFrame validates and parses an inbound frame for the conversation key.
func DecodeFrame(data []byte, key string) (models.Message, error) {
	if err := validateInboundFrame(data); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrMessageDecode, err)
	}
	var frame inboundFrame
	if err := decodeSingle(data, &frame); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrMessageDecode, err)
	}
	return frame.message(key)
}

func (f inboundFrame) message(key string) (models.Message, error) {
	id, err := decodeID(f.ID)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: id: %v", ErrMessageDecode, err)
	}
	senderID, err := f.SenderID.Int64()
	if err != nil || senderID == 0 {
		return models.Message{}, fmt.Errorf("%w: sender_id %q", ErrMessageDecode, f.SenderID)
	}
	var receiverID int64
	if f.ReceiverID != "" {
		if receiverID, err = f.ReceiverID.Int64(); err != nil {
			return models.Message{}, fmt.Errorf("%w: receiver_id %q", ErrMessageDecode, f.ReceiverID)
		}
	}
	if f.Content == nil {
		return models.Message{}, fmt.Errorf("%w: content missing", ErrMessageDecode)
	}
	ts, err := ParseTimestamp(f.Timestamp)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: timestamp: %v", ErrMessageDecode, err)
	}
	return models.Message{
		ID:              id,
		ConversationKey: key,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Content:         *f.Content,
		Timestamp:       ts.UnixMilli(),
		DeliveryState:   models.DeliverySent,
	}, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		if strings.TrimSpace(s) == "" {
			return "", errors.New("empty")
		}
		return s, nil
	}
	n := json.Number(raw)
	if _, err := n.Int64(); err != nil {
		return "", err
	}
	return n.String(), nil
}

// timestampLayouts covers Python's str(datetime) and isoformat output with
// and without fractional seconds and offsets.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e11

// ParseTimestamp accepts a datetime string or an epoch number in seconds or
// milliseconds. Strings without an offset are read as UTC.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("missing")
	}
	if raw[0] != '"' {
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return time.Time{}, err
		}
		if f < epochMillisThreshold {
			return time.UnixMilli(int64(f * 1000)).UTC(), nil
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
