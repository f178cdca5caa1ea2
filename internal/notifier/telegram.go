package notifier

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"
)

// TelegramSender sends notifications through the notification bot. The bot
// is offline: it only calls sendMessage and never polls for updates.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token, apiURL string, timeout time.Duration) (*TelegramSender, error) {
	if token == "" {
		return nil, errors.New("notifier: bot token required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "notifier: create bot")
	}
	return &TelegramSender{bot: b}, nil
}

// Send ignores ctx beyond an early check; telebot bounds the call with the
// client timeout.
func (s *TelegramSender) Send(ctx context.Context, userRef int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(tele.ChatID(userRef), text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
