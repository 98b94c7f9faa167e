package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/courier/pkg/invoker"
	"github.com/harun/courier/pkg/relay"
	"github.com/harun/courier/pkg/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) SendTyping(chatID int64) {}

func (f *fakeSender) all() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.sent, "\n---\n")
}

type fakeEngine struct {
	mu      sync.Mutex
	handled []*relay.Message
	result  *invoker.Result
	resets  []string
}

func (e *fakeEngine) Handle(ctx context.Context, msg *relay.Message) (*invoker.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handled = append(e.handled, msg)
	if e.result != nil {
		return e.result, nil
	}
	return &invoker.Result{Text: "ok"}, nil
}

func (e *fakeEngine) Reset(ctx context.Context, key string) (*sessionstore.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets = append(e.resets, key)
	return &sessionstore.Session{Key: key, SessionID: "fresh-session-id"}, nil
}

func (e *fakeEngine) QueueLength(key string) int { return 0 }
func (e *fakeEngine) TotalQueueLength() int      { return 0 }

func newTestHandler(engine *fakeEngine) (*Handler, *fakeSender) {
	h := NewHandler(engine)
	sender := &fakeSender{}
	h.bot = sender
	return h, sender
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 42, UserName: "tester"},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	}}
}

func commandUpdate(chatID int64, text string) tgbotapi.Update {
	u := textUpdate(chatID, text)
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i > 0 {
		cmdLen = i
	}
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}}
	return u
}

func TestHandler_RelaysMessage(t *testing.T) {
	engine := &fakeEngine{}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleMessage(textUpdate(100, "hello")))

	require.Len(t, engine.handled, 1)
	assert.Equal(t, "tg:100", engine.handled[0].Key)
	assert.Equal(t, "hello", engine.handled[0].Text)
	assert.Contains(t, sender.all(), "ok")
}

func TestHandler_DeniedCapabilitiesPrompt(t *testing.T) {
	engine := &fakeEngine{result: &invoker.Result{
		Text:    "could not write the file",
		IsError: true,
		DeniedCapabilities: []invoker.CapabilityCall{
			{Name: "Write"},
			{Name: "Write"},
			{Name: "Bash"},
		},
	}}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleMessage(textUpdate(100, "edit my hosts file")))

	out := sender.all()
	assert.Contains(t, out, "Write, Bash")
	assert.Contains(t, out, "/allow")
}

func TestHandler_AllowReplaysWithCapabilities(t *testing.T) {
	engine := &fakeEngine{result: &invoker.Result{
		Text:               "denied",
		IsError:            true,
		DeniedCapabilities: []invoker.CapabilityCall{{Name: "Write"}},
	}}
	h, _ := newTestHandler(engine)

	require.NoError(t, h.HandleMessage(textUpdate(100, "edit my hosts file")))

	// The retry succeeds with the capability granted.
	engine.mu.Lock()
	engine.result = &invoker.Result{Text: "done"}
	engine.mu.Unlock()

	require.NoError(t, h.HandleCommand(commandUpdate(100, "/allow")))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.handled, 2)
	assert.Equal(t, "edit my hosts file", engine.handled[1].Text)
	assert.Equal(t, []string{"Write"}, engine.handled[1].ExtraCapabilities)
}

func TestHandler_AllowWithoutPending(t *testing.T) {
	engine := &fakeEngine{}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleCommand(commandUpdate(100, "/allow")))

	assert.Contains(t, sender.all(), "Nothing is waiting")
	assert.Empty(t, engine.handled)
}

func TestHandler_SuccessfulDenialIsNotEscalated(t *testing.T) {
	// The tool worked around the denial: no approval prompt.
	engine := &fakeEngine{result: &invoker.Result{
		Text:               "did it another way",
		IsError:            false,
		DeniedCapabilities: []invoker.CapabilityCall{{Name: "Write"}},
	}}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleMessage(textUpdate(100, "try something")))

	assert.NotContains(t, sender.all(), "/allow")
}

func TestHandler_NewCommand(t *testing.T) {
	engine := &fakeEngine{}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleCommand(commandUpdate(100, "/new")))

	assert.Equal(t, []string{"tg:100"}, engine.resets)
	assert.Contains(t, sender.all(), "new conversation")
}

func TestHandler_StatusCommand(t *testing.T) {
	engine := &fakeEngine{}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleCommand(commandUpdate(100, "/status")))

	assert.Contains(t, sender.all(), "Queued here: 0")
}

func TestHandler_UnknownCommand(t *testing.T) {
	engine := &fakeEngine{}
	h, sender := newTestHandler(engine)

	require.NoError(t, h.HandleCommand(commandUpdate(100, "/dance")))

	assert.Contains(t, sender.all(), "Unknown command")
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "tg:100", ConversationKey(100))
	assert.Equal(t, "tg:-1001234", ConversationKey(-1001234))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 4096))

	long := strings.Repeat("paragraph one\n", 600)
	chunks := splitMessage(long, 4096)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 4096)
	}

	// No newlines at all still splits.
	solid := strings.Repeat("x", 10000)
	chunks = splitMessage(solid, 4096)
	assert.Len(t, chunks, 3)
}
