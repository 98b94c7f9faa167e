// Package telegram is the Telegram channel adapter: it long-polls for
// updates, derives a conversation key per chat, relays messages through
// the engine, and renders results back, splitting oversized replies and
// surfacing denied capabilities for approval.
package telegram

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxMessageLen is Telegram's hard limit on one message body.
const maxMessageLen = 4096

// Config holds adapter configuration.
type Config struct {
	BotToken string

	// AllowedUsers is the user-id allow list. Empty means nobody: the
	// adapter refuses to relay for unknown users rather than being
	// open by default.
	AllowedUsers []int64
}

// Bot wraps the Telegram API and routes updates.
type Bot struct {
	api     *tgbotapi.BotAPI
	logger  zerolog.Logger
	allowed map[int64]bool

	handler *Handler

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// New creates a Telegram bot.
func New(cfg Config, handler *Handler) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}

	b := &Bot{
		api:     api,
		logger:  log.With().Str("component", "telegram").Logger(),
		allowed: allowed,
		handler: handler,
	}
	handler.bot = b

	b.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Int("allowed_users", len(allowed)).
		Msg("Telegram bot authenticated")

	return b, nil
}

// Start begins long-polling for updates.
func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.running = true
	b.stopped = make(chan struct{})

	go b.processUpdates(updates)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop halts update processing.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	stopped := b.stopped
	b.mu.Unlock()

	b.api.StopReceivingUpdates()
	<-stopped

	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning reports whether the update loop is active.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) processUpdates(updates tgbotapi.UpdatesChannel) {
	defer close(b.stopped)

	for update := range updates {
		if update.Message == nil || update.Message.From == nil {
			continue
		}

		if !b.isAllowed(update.Message.From.ID) {
			b.logger.Warn().
				Int64("user_id", update.Message.From.ID).
				Str("username", update.Message.From.UserName).
				Msg("Ignoring message from user outside the allow list")
			continue
		}

		var err error
		if update.Message.IsCommand() {
			err = b.handler.HandleCommand(update)
		} else {
			err = b.handler.HandleMessage(update)
		}
		if err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

func (b *Bot) isAllowed(userID int64) bool {
	return b.allowed[userID]
}

// Send delivers text to a chat, splitting it when it exceeds Telegram's
// message length limit.
func (b *Bot) Send(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}

// SendTyping shows the typing indicator in a chat.
func (b *Bot) SendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		b.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to send typing action")
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// newline boundaries so paragraphs stay intact.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
