package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elementum-club/service-subscription/internal/adapter"
	"github.com/elementum-club/service-subscription/internal/application"
	"go.uber.org/zap"
)

// UpdateSource is the inbound side of the Bot API used by the command loop.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]adapter.Update, error)
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Bot is the Telegram command surface: a thin adapter that routes commands
// and button presses into the application layer. No business logic lives
// here.
type Bot struct {
	source      UpdateSource
	messenger   adapter.Messenger
	subs        *application.SubscriptionService
	gateway     adapter.PaymentGateway
	pollTimeout time.Duration
	logger      *zap.Logger
}

// New creates the bot command router.
func New(
	source UpdateSource,
	messenger adapter.Messenger,
	subs *application.SubscriptionService,
	gateway adapter.PaymentGateway,
	pollTimeout time.Duration,
	logger *zap.Logger,
) *Bot {
	return &Bot{
		source:      source,
		messenger:   messenger,
		subs:        subs,
		gateway:     gateway,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// Start long-polls for updates until the context is cancelled. Poll errors
// are logged and retried with a short backoff.
func (b *Bot) Start(ctx context.Context) error {
	var offset int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := b.source.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("failed to poll telegram updates", zap.Error(err))
			time.Sleep(3 * time.Second)
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate routes one update.
func (b *Bot) handleUpdate(ctx context.Context, update adapter.Update) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		b.handleCallback(ctx, cb.From.ID, b.callbackChatID(update), cb.Data)
		if err := b.source.AnswerCallback(ctx, cb.ID); err != nil {
			b.logger.Warn("failed to answer callback query", zap.Error(err))
		}
	case update.Message != nil:
		b.handleMessage(ctx, update.Message.From.ID, update.Message.Chat.ID, update.Message.Text)
	}
}

func (b *Bot) callbackChatID(update adapter.Update) int64 {
	cb := update.CallbackQuery
	if cb.Message != nil {
		return cb.Message.Chat.ID
	}
	return cb.From.ID
}

// handleMessage routes commands and plain text.
func (b *Bot) handleMessage(ctx context.Context, userID, chatID int64, text string) {
	switch {
	case strings.HasPrefix(text, "/start"):
		b.sendWelcome(ctx, userID)
	case strings.HasPrefix(text, "/help"):
		b.sendHelp(ctx, userID)
	case strings.HasPrefix(text, "/plans"):
		b.sendPlans(ctx, userID, false)
	case strings.HasPrefix(text, "/my_subscription"):
		b.sendSubscriptionStatus(ctx, userID)
	case strings.HasPrefix(text, "/buy"):
		b.sendPlans(ctx, userID, true)
	default:
		lowered := strings.ToLower(strings.TrimSpace(text))
		if lowered == "buy" || lowered == "subscribe" {
			b.sendPlans(ctx, userID, true)
		}
	}
}

// handleCallback routes inline button presses.
func (b *Bot) handleCallback(ctx context.Context, userID, chatID int64, data string) {
	switch {
	case data == "show_buy_options":
		b.sendPlans(ctx, userID, true)
	case data == "start_command":
		b.sendHelp(ctx, userID)
	case strings.HasPrefix(data, "buy_"):
		b.handlePurchase(ctx, userID, chatID, strings.TrimPrefix(data, "buy_"))
	}
}

func (b *Bot) sendWelcome(ctx context.Context, userID int64) {
	text := "Welcome! This bot manages your membership subscription.\nPress Start to begin."
	buttons := [][]adapter.Button{{{Text: "Start", CallbackData: "start_command"}}}
	b.send(ctx, userID, text, buttons)
}

func (b *Bot) sendHelp(ctx context.Context, userID int64) {
	text := strings.Join([]string{
		"Commands:",
		"/plans - available subscription plans",
		"/my_subscription - your subscription status",
		"/buy - purchase a subscription",
	}, "\n")
	b.send(ctx, userID, text, nil)
}

// sendPlans lists the catalog. In buying mode each plan is a button.
func (b *Bot) sendPlans(ctx context.Context, userID int64, buying bool) {
	plans := b.subs.Catalog().All()

	var sb strings.Builder
	if buying {
		sb.WriteString("Choose a plan:\n\n")
	} else {
		sb.WriteString("Available plans:\n\n")
	}
	for i, p := range plans {
		fmt.Fprintf(&sb, "%d. %s - %d %s, %d days\n", i+1, p.Name, p.Price, p.Currency, p.DurationDays)
		for _, feature := range p.Features {
			fmt.Fprintf(&sb, "   - %s\n", feature)
		}
		sb.WriteString("\n")
	}

	var buttons [][]adapter.Button
	if buying {
		for _, p := range plans {
			buttons = append(buttons, []adapter.Button{{
				Text:         fmt.Sprintf("%s - %d %s", p.Name, p.Price, p.Currency),
				CallbackData: "buy_" + p.ID,
			}})
		}
	} else {
		buttons = [][]adapter.Button{{{Text: "Subscribe", CallbackData: "show_buy_options"}}}
	}

	b.send(ctx, userID, sb.String(), buttons)
}

func (b *Bot) sendSubscriptionStatus(ctx context.Context, userID int64) {
	record, ok := b.subs.Query(userID)
	if !ok {
		b.send(ctx, userID, "You have no active subscription.", [][]adapter.Button{
			{{Text: "Subscribe", CallbackData: "show_buy_options"}},
		})
		return
	}

	planName := record.PlanID
	if p, err := b.subs.Catalog().ByID(record.PlanID); err == nil {
		planName = p.Name
	}
	text := fmt.Sprintf(
		"Your subscription: %s\nActive until: %s",
		planName, record.EndDate.Local().Format("02.01.2006"),
	)
	b.send(ctx, userID, text, nil)
}

// handlePurchase creates a payment link for the chosen plan. An existing
// active subscription blocks a second purchase.
func (b *Bot) handlePurchase(ctx context.Context, userID, chatID int64, planID string) {
	p, err := b.subs.Catalog().ByID(planID)
	if err != nil {
		b.send(ctx, userID, "That plan is no longer available.", nil)
		return
	}

	if b.subs.HasActive(userID) {
		b.send(ctx, userID, "You already have an active subscription. Use /my_subscription to see it.", nil)
		return
	}

	link, err := b.gateway.CreatePaymentLink(ctx, userID, chatID, p)
	if err != nil {
		b.logger.Error("failed to create payment link",
			zap.Int64("user_id", userID),
			zap.String("plan_id", planID),
			zap.Error(err),
		)
		b.send(ctx, userID, "Could not create a payment link. Please try again later.", nil)
		return
	}

	text := fmt.Sprintf(
		"Plan: %s\nPrice: %d %s\nDuration: %d days\n\nThe subscription activates automatically after payment.",
		p.Name, p.Price, p.Currency, p.DurationDays,
	)
	buttons := [][]adapter.Button{{{Text: "Pay", URL: link}}}
	b.send(ctx, userID, text, buttons)
}

func (b *Bot) send(ctx context.Context, userID int64, text string, buttons [][]adapter.Button) {
	if err := b.messenger.SendMessage(ctx, userID, text, buttons); err != nil {
		b.logger.Error("failed to send bot reply",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}
