package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/firetree/firetree/internal/logging"
)

// BotAPI is the part of the Telegram client the notifier needs.
type BotAPI interface {
	SendMessage(chatID int64, text string) error
}

// TGBotAPIClient adapts tgbotapi.BotAPI to BotAPI.
type TGBotAPIClient struct {
	bot *tgbotapi.BotAPI
}

// NewTGBotAPIClient authenticates against the Telegram API with token.
func NewTGBotAPIClient(token string) (*TGBotAPIClient, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TGBotAPIClient{bot: bot}, nil
}

// SendMessage posts text to chatID.
func (c *TGBotAPIClient) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := c.bot.Send(msg)
	return err
}

var _ BotAPI = (*TGBotAPIClient)(nil)

// Telegram posts authentication events to a chat. Messages are sent in the
// background and throttled; failures to authenticate are repeated at most
// once per distinct error text until an Authenticated event resets it.
type Telegram struct {
	api       BotAPI
	chatID    int64
	label     string
	throttler *Throttler
	logger    *logging.Logger

	mu       sync.Mutex
	lastFail string
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewTelegram builds a notifier. label identifies the database in messages.
func NewTelegram(api BotAPI, chatID int64, label string, logger *logging.Logger) *Telegram {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Telegram{
		api:       api,
		chatID:    chatID,
		label:     label,
		throttler: NewThrottler(20, 5),
		logger:    logger,
	}
}

// Authenticated sends a message only when it ends a run of failures.
func (t *Telegram) Authenticated(ctx context.Context) {
	t.mu.Lock()
	wasFailing := t.lastFail != ""
	t.lastFail = ""
	t.mu.Unlock()

	// Only recoveries are worth a message; routine refreshes are not.
	if !wasFailing {
		return
	}
	t.send(ctx, fmt.Sprintf("✅ %s: authenticated again", t.label))
}

// AuthenticationFailed sends the error unless it repeats the previous one.
func (t *Telegram) AuthenticationFailed(ctx context.Context, err error) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}

	t.mu.Lock()
	duplicate := t.lastFail == reason
	t.lastFail = reason
	t.mu.Unlock()

	if duplicate {
		return
	}
	t.send(ctx, fmt.Sprintf("🔴 %s: authentication failed\n%s", t.label, reason))
}

func (t *Telegram) send(ctx context.Context, text string) {
	if t.closed.Load() || t.api == nil || t.chatID == 0 {
		return
	}
	if !t.throttler.Allow() {
		t.logger.WarnWithContext(ctx, "telegram notification throttled")
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.api.SendMessage(t.chatID, text); err != nil {
			t.logger.Warn("telegram notification failed", "error", err)
		}
	}()
}

// Close waits for pending messages. Later events are dropped.
func (t *Telegram) Close() {
	t.closed.Store(true)
	t.wg.Wait()
}
