package channels

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"

	"github.com/promethea/promethea/internal/bus"
	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/internal/turn"
	"github.com/promethea/promethea/pkg/models"
)

// textSender is the outbound half of the bot, split out so tests can
// run the bridge without Telegram.
type textSender interface {
	sendText(ctx context.Context, chatID int64, text string) error
}

// Telegram bridges one bot token to one gateway account. Every chat
// maps to its own session; replies stream back as a single message per
// completed turn.
type Telegram struct {
	cfg    func() config.TelegramConfig
	engine *turn.Engine
	store  store.Store
	events *bus.Bus
	log    *observability.Logger

	bot    *bot.Bot
	sender textSender
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[int64]string
}

func NewTelegram(cfg func() config.TelegramConfig, engine *turn.Engine, st store.Store, events *bus.Bus, log *observability.Logger) *Telegram {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Telegram{
		cfg:      cfg,
		engine:   engine,
		store:    st,
		events:   events,
		log:      log,
		sessions: make(map[int64]string),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects the bot in long-polling mode and receives until Stop.
func (t *Telegram) Start(ctx context.Context) error {
	cfg := t.cfg()
	if cfg.BotToken == "" {
		return fault.New(fault.KindInvalidArguments, "telegram bridge enabled without a bot token")
	}

	b, err := bot.New(cfg.BotToken, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return fault.Wrap(fault.KindUpstreamUnavailable, "telegram bot init failed", err)
	}
	t.bot = b
	t.sender = botSender{b}

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.bot.Start(ctx)
	}()
	return nil
}

func (t *Telegram) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, _ *bot.Bot, update *tg.Update) {
	if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
		return
	}
	chatID := update.Message.Chat.ID
	text := update.Message.Text

	if t.events != nil {
		t.events.Emit(ctx, models.EventChannelMessage, map[string]any{
			"channel": "telegram",
			"chat_id": chatID,
			"user_id": t.cfg().UserID,
		})
	}
	t.handleText(ctx, chatID, text)
}

func (t *Telegram) handleText(ctx context.Context, chatID int64, text string) {
	cfg := t.cfg()
	if cfg.UserID == "" {
		t.reply(ctx, chatID, "This bridge is not linked to an account yet.")
		return
	}

	sessionID, err := t.sessionFor(ctx, cfg.UserID, chatID)
	if err != nil {
		t.log.Error(ctx, "telegram session lookup failed", "chat_id", chatID, "error", err)
		t.reply(ctx, chatID, fault.UserMessage(err))
		return
	}
	ctx = observability.WithUserID(ctx, cfg.UserID)
	ctx = observability.WithSessionID(ctx, sessionID)

	// A chat with a pending tool confirmation interprets the next
	// message as the decision.
	if call, ok := t.engine.PendingFor(cfg.UserID, sessionID); ok {
		action, recognized := parseDecision(text)
		if !recognized {
			t.reply(ctx, chatID, "Waiting on a tool confirmation for "+call.Name+". Reply yes or no.")
			return
		}
		if err := t.engine.Confirm(ctx, cfg.UserID, call.CallID, action); err != nil {
			t.reply(ctx, chatID, fault.UserMessage(err))
		}
		return
	}

	sink := t.replySink(chatID)
	if err := t.engine.Submit(context.WithoutCancel(ctx), cfg.UserID, sessionID, text, sink); err != nil {
		t.reply(ctx, chatID, fault.UserMessage(err))
	}
}

// replySink relays terminal and confirmation frames back to the chat.
// Intermediate text frames are skipped; Telegram gets whole replies.
func (t *Telegram) replySink(chatID int64) turn.Sink {
	return turn.SinkFunc(func(f models.Frame) error {
		ctx := context.Background()
		switch f.Type {
		case models.FrameDone:
			if f.Content != "" {
				t.reply(ctx, chatID, f.Content)
			}
		case models.FrameError:
			t.reply(ctx, chatID, f.Content)
		case models.FrameToolStart:
			if f.Status == string(models.ToolCallAwaitingConfirm) {
				t.reply(ctx, chatID, "The assistant wants to run "+f.ToolName+". Reply yes to allow or no to refuse.")
			}
		}
		return nil
	})
}

// sessionFor maps a chat to its session, creating one on first
// contact. The mapping is cached and recovered from session titles
// after a restart.
func (t *Telegram) sessionFor(ctx context.Context, userID string, chatID int64) (string, error) {
	t.mu.Lock()
	if id, ok := t.sessions[chatID]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	title := chatTitle(chatID)
	sessions, err := t.store.ListSessions(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.Title == title {
			t.remember(chatID, s.SessionID)
			return s.SessionID, nil
		}
	}

	sess, err := t.store.CreateSession(ctx, userID, title)
	if err != nil {
		return "", err
	}
	t.remember(chatID, sess.ID)
	return sess.ID, nil
}

func (t *Telegram) remember(chatID int64, sessionID string) {
	t.mu.Lock()
	t.sessions[chatID] = sessionID
	t.mu.Unlock()
}

func (t *Telegram) reply(ctx context.Context, chatID int64, text string) {
	if t.sender == nil || text == "" {
		return
	}
	if err := t.sender.sendText(ctx, chatID, text); err != nil {
		t.log.Warn(ctx, "telegram send failed", "chat_id", chatID, "error", err)
	}
}

func chatTitle(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

// parseDecision maps free-form chat replies onto confirm actions.
func parseDecision(text string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "ok", "approve", "allow":
		return "approve", true
	case "no", "n", "reject", "deny", "cancel":
		return "reject", true
	}
	return "", false
}

type botSender struct {
	bot *bot.Bot
}

func (s botSender) sendText(ctx context.Context, chatID int64, text string) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	return err
}
