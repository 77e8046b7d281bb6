package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/groupclaw/internal/bus"
)

// TelegramChannel implements the Channel interface for Telegram group chats.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	intake     Intake
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        *tgbotapi.BotAPI
	sender     *orderedSender
	connected  atomic.Bool
	botUser    string
}

// NewTelegramChannel creates a new Telegram channel. allowedIDs restricts
// which user ids may talk to the bot; empty allows everyone.
func NewTelegramChannel(token string, allowedIDs []int64, intake Intake, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		intake:     intake,
		logger:     logger,
		eventBus:   eventBus,
		sender:     newOrderedSender(),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// OwnsDestination reports whether the id looks like a Telegram chat id.
func (t *TelegramChannel) OwnsDestination(destinationID string) bool {
	_, err := strconv.ParseInt(destinationID, 10, 64)
	return err == nil
}

func (t *TelegramChannel) IsConnected() bool {
	return t.connected.Load()
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.botUser = t.bot.Self.UserName
	t.connected.Store(true)
	defer t.connected.Store(false)
	defer t.sender.wait()

	t.logger.Info("telegram bot started", "user", t.botUser)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.connected.Store(false)
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			t.connected.Store(true)
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty
			// long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied",
						"user_id", update.Message.From.ID,
						"user_name", update.Message.From.UserName)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	mention := "@" + t.botUser
	mentioned := t.botUser != "" && strings.Contains(content, mention)
	if mentioned {
		content = strings.TrimSpace(strings.ReplaceAll(content, mention, ""))
		if content == "" {
			return
		}
	}

	sender := msg.From.UserName
	if sender == "" {
		sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	t.intake.HandleIncomingMessage(ctx, IncomingMessage{
		DestinationID: strconv.FormatInt(msg.Chat.ID, 10),
		Sender:        sender,
		Text:          content,
		Mentioned:     mentioned,
		SentAt:        msg.Time(),
	})
}

// Send queues text for ordered delivery to the destination. The enqueue is
// immediate; the transport call runs behind every earlier send for the same
// destination. A transport failure is logged and the message dropped.
func (t *TelegramChannel) Send(_ context.Context, destinationID, text, senderLabel string) error {
	chatID, err := strconv.ParseInt(destinationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram destination %q: %w", destinationID, err)
	}
	if senderLabel != "" {
		text = senderLabel + ":\n" + text
	}
	t.sender.enqueue(destinationID, func() {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "destination_id", destinationID, "error", err)
			t.publish(bus.TopicDeliveryFailed, bus.DeliveryEvent{DestinationID: destinationID, Error: err.Error()})
			return
		}
		t.publish(bus.TopicDeliverySent, bus.DeliveryEvent{DestinationID: destinationID})
	})
	return nil
}

// SetTyping toggles the chat's typing indicator. Telegram has no explicit
// off switch; the indicator expires on its own.
func (t *TelegramChannel) SetTyping(destinationID string, on bool) {
	if !on || t.bot == nil {
		return
	}
	chatID, err := strconv.ParseInt(destinationID, 10, 64)
	if err != nil {
		return
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		t.logger.Debug("telegram typing action failed", "error", err)
	}
}

func (t *TelegramChannel) publish(topic string, payload any) {
	if t.eventBus != nil {
		t.eventBus.Publish(topic, payload)
	}
}
