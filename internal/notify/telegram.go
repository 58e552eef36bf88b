package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

// TelegramSink forwards notifications for the selected topics to one chat.
// Other topics return ErrSkipped.
type TelegramSink struct {
	tg     MessageSender
	chatID int64
	topics map[string]bool
}

func NewTelegramSink(tg MessageSender, chatID int64, topics ...string) *TelegramSink {
	s := &TelegramSink{tg: tg, chatID: chatID, topics: make(map[string]bool)}
	for _, t := range topics {
		s.topics[t] = true
	}
	return s
}

func (s *TelegramSink) Publish(ctx context.Context, n Notification) (string, error) {
	if len(s.topics) > 0 && !s.topics[n.Topic] {
		return "", ErrSkipped
	}
	id, err := s.tg.SendMessage(ctx, s.chatID, formatText(n))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func formatText(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(n.Attributes[AttrUrgency]), n.Subject)
	b.WriteString(n.Message)
	if id := n.Attributes[AttrCaseID]; id != "" {
		fmt.Fprintf(&b, "\n\nCase: %s", id)
	}
	return b.String()
}
