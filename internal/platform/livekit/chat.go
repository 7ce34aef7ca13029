package livekit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatTopic is the data topic LiveKit clients use for the room chat.
const ChatTopic = "lk-chat-topic"

type chatMessage struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func encodeChat(text string, at time.Time) ([]byte, error) {
	return json.Marshal(chatMessage{
		ID:        uuid.NewString(),
		Timestamp: at.UnixMilli(),
		Message:   text,
	})
}

// decodeChat accepts the JSON chat envelope and falls back to plain text
// payloads sent by simpler clients.
func decodeChat(payload []byte) (string, time.Time, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "", time.Time{}, fmt.Errorf("empty chat payload")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, time.Now(), nil
	}
	var msg chatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", time.Time{}, fmt.Errorf("decode chat message: %w", err)
	}
	at := time.Now()
	if msg.Timestamp > 0 {
		at = time.UnixMilli(msg.Timestamp)
	}
	return msg.Message, at, nil
}
