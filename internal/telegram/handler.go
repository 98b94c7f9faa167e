package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/courier/pkg/invoker"
	"github.com/harun/courier/pkg/relay"
	"github.com/harun/courier/pkg/sessionstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine is the subset of the relay engine the adapter needs.
type Engine interface {
	Handle(ctx context.Context, msg *relay.Message) (*invoker.Result, error)
	Reset(ctx context.Context, key string) (*sessionstore.Session, error)
	QueueLength(key string) int
	TotalQueueLength() int
}

// Sender delivers messages back to the chat. Implemented by Bot.
type Sender interface {
	Send(chatID int64, text string) error
	SendTyping(chatID int64)
}

// pendingEscalation remembers the last turn whose capabilities were
// denied, so /allow can replay it with those capabilities granted.
type pendingEscalation struct {
	text         string
	capabilities []string
}

// Handler relays Telegram messages through the engine.
type Handler struct {
	bot    Sender
	engine Engine
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingEscalation
}

// NewHandler creates a message handler backed by the relay engine.
func NewHandler(engine Engine) *Handler {
	return &Handler{
		engine:  engine,
		logger:  log.With().Str("component", "telegram").Str("module", "handler").Logger(),
		pending: make(map[string]pendingEscalation),
	}
}

// ConversationKey derives the key for a chat.
func ConversationKey(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

// HandleMessage relays one inbound text message. It blocks until the
// turn completes; ordering across messages in one chat is enforced by
// the engine's per-key queue.
func (h *Handler) HandleMessage(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil
	}

	key := ConversationKey(msg.Chat.ID)
	h.logger.Debug().
		Str("key", key).
		Int64("user_id", msg.From.ID).
		Msg("Message received")

	h.bot.SendTyping(msg.Chat.ID)

	return h.relay(msg.Chat.ID, key, msg.Text, nil)
}

// relay runs one turn and renders the result back to the chat.
func (h *Handler) relay(chatID int64, key, text string, extraCaps []string) error {
	result, err := h.engine.Handle(context.Background(), &relay.Message{
		Key:               key,
		Text:              text,
		ExtraCapabilities: extraCaps,
		OnProgress: func(p invoker.Progress) {
			h.bot.SendTyping(chatID)
			h.sendQuiet(chatID, fmt.Sprintf("Still working: %d capability calls, %s elapsed.",
				p.CapabilityCalls, p.Elapsed.Round(time.Second)))
		},
		OnWait: func(waitMs int64, queuePos int) {
			h.sendQuiet(chatID, fmt.Sprintf("Your message is queued (position %d).", queuePos))
		},
	})
	if err != nil {
		h.sendQuiet(chatID, "Something went wrong handling that message.")
		return err
	}

	reply := result.Text
	if reply == "" {
		reply = "(empty response)"
	}

	// Denied capabilities are surfaced for approval only when the turn
	// failed; if the tool found another way, there is nothing to ask.
	if result.IsError && len(result.DeniedCapabilities) > 0 {
		names := deniedNames(result.DeniedCapabilities)
		h.setPending(key, pendingEscalation{text: text, capabilities: names})
		reply += fmt.Sprintf("\n\nDenied capabilities: %s.\nSend /allow to retry with them permitted.",
			strings.Join(names, ", "))
	} else {
		h.clearPending(key)
	}

	return h.bot.Send(chatID, reply)
}

// HandleCommand dispatches bot commands.
func (h *Handler) HandleCommand(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return nil
	}

	key := ConversationKey(msg.Chat.ID)
	command := msg.Command()

	h.logger.Debug().
		Str("key", key).
		Str("command", command).
		Msg("Command received")

	switch command {
	case "new":
		return h.cmdNew(msg.Chat.ID, key)
	case "status":
		return h.cmdStatus(msg.Chat.ID, key)
	case "allow":
		return h.cmdAllow(msg.Chat.ID, key)
	case "start", "help":
		return h.bot.Send(msg.Chat.ID, helpText)
	default:
		return h.bot.Send(msg.Chat.ID, fmt.Sprintf("Unknown command: /%s", command))
	}
}

const helpText = `I relay your messages to the tool and reply with its output.

/new - start a fresh conversation
/status - show queue and session state
/allow - retry the last message with its denied capabilities permitted`

func (h *Handler) cmdNew(chatID int64, key string) error {
	h.clearPending(key)
	sess, err := h.engine.Reset(context.Background(), key)
	if err != nil {
		h.sendQuiet(chatID, "Could not start a new conversation.")
		return err
	}
	return h.bot.Send(chatID, fmt.Sprintf("Started a new conversation (session %s).", shortID(sess.SessionID)))
}

func (h *Handler) cmdStatus(chatID int64, key string) error {
	queued := h.engine.QueueLength(key)
	total := h.engine.TotalQueueLength()
	text := fmt.Sprintf("Queued here: %d\nQueued everywhere: %d", queued, total)

	h.mu.Lock()
	if p, ok := h.pending[key]; ok {
		text += fmt.Sprintf("\nAwaiting /allow for: %s", strings.Join(p.capabilities, ", "))
	}
	h.mu.Unlock()

	return h.bot.Send(chatID, text)
}

func (h *Handler) cmdAllow(chatID int64, key string) error {
	h.mu.Lock()
	p, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
	}
	h.mu.Unlock()

	if !ok {
		return h.bot.Send(chatID, "Nothing is waiting for approval.")
	}

	h.logger.Info().
		Str("key", key).
		Strs("capabilities", p.capabilities).
		Msg("Replaying turn with approved capabilities")

	h.bot.SendTyping(chatID)
	return h.relay(chatID, key, p.text, p.capabilities)
}

func (h *Handler) setPending(key string, p pendingEscalation) {
	h.mu.Lock()
	h.pending[key] = p
	h.mu.Unlock()
}

func (h *Handler) clearPending(key string) {
	h.mu.Lock()
	delete(h.pending, key)
	h.mu.Unlock()
}

// sendQuiet sends informational text and only logs delivery failures.
func (h *Handler) sendQuiet(chatID int64, text string) {
	if err := h.bot.Send(chatID, text); err != nil {
		h.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to send notice")
	}
}

func deniedNames(denied []invoker.CapabilityCall) []string {
	names := make([]string, 0, len(denied))
	seen := make(map[string]bool, len(denied))
	for _, call := range denied {
		if !seen[call.Name] {
			seen[call.Name] = true
			names = append(names, call.Name)
		}
	}
	return names
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
