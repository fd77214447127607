package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	telebot "gopkg.in/tucnak/telebot.v2"
)

const alertQueueSize = 64

// messageSender is the part of *telebot.Bot the alerter needs.
type messageSender interface {
	Send(to telebot.Recipient, what interface{}, options ...interface{}) (*telebot.Message, error)
}

// Alerter posts a Telegram message for every SUSPICIOUS record that enters
// the transaction log. Records are queued so the session loop never waits
// on the network; when the queue is full the alert is dropped.
type Alerter struct {
	sender  messageSender
	chat    *telebot.Chat
	queue   chan TransactionRecord
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewAlerter(sender messageSender, channelID int64, logger zerolog.Logger) *Alerter {
	return &Alerter{
		sender: sender,
		chat:   &telebot.Chat{ID: channelID},
		queue:  make(chan TransactionRecord, alertQueueSize),
		logger: logger.With().Str("component", "alerts").Logger(),
	}
}

// OnRecord is a RecordListener.
func (a *Alerter) OnRecord(rec TransactionRecord) {
	if rec.Classification != ClassSuspicious {
		return
	}
	select {
	case a.queue <- rec:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn().Str("hash", rec.ShortHash(16)).Int64("dropped", n).Msg("alert queue full")
	}
}

// Dropped returns how many alerts were discarded because the queue was full.
func (a *Alerter) Dropped() int64 { return a.dropped.Load() }

// Run delivers queued alerts until ctx is done.
func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-a.queue:
			if _, err := a.sender.Send(a.chat, formatAlert(rec)); err != nil {
				a.logger.Warn().Err(err).Str("hash", rec.ShortHash(16)).Msg("failed to send Telegram alert")
				continue
			}
			a.logger.Debug().Str("hash", rec.ShortHash(16)).Msg("alert sent")
		}
	}
}

func formatAlert(rec TransactionRecord) string {
	var b strings.Builder
	b.WriteString("⚠️ Suspicious transaction\n\n")
	fmt.Fprintf(&b, "Hash: %s\n", rec.Hash)
	fmt.Fprintf(&b, "From: %s\n", orDash(rec.From))
	fmt.Fprintf(&b, "To: %s\n", orDash(rec.To))
	fmt.Fprintf(&b, "Value: %.4f ETH\n", rec.ValueEth)
	fmt.Fprintf(&b, "Gas price: %s\n", strconv.FormatFloat(rec.GasPrice, 'f', -1, 64))
	if !rec.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Seen: %s\n", rec.Timestamp.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// newTelegramBot creates the bot used for alerts and commands.
func newTelegramBot(token string) (*telebot.Bot, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return bot, nil
}

// botCommands answers chat commands about the running session.
type botCommands struct {
	bot          *telebot.Bot
	session      *Session
	allowedUsers map[int64]bool
	logger       zerolog.Logger
}

// registerCommands registers the bot command handlers and sets the command menu.
func registerCommands(bot *telebot.Bot, session *Session, allowed []int64, logger zerolog.Logger) {
	c := &botCommands{
		bot:          bot,
		session:      session,
		allowedUsers: make(map[int64]bool, len(allowed)),
		logger:       logger.With().Str("component", "bot").Logger(),
	}
	for _, id := range allowed {
		c.allowedUsers[id] = true
	}

	bot.Handle("/help", c.cmdHelp)
	bot.Handle("/status", c.cmdStatus)
	bot.Handle("/recent", c.cmdRecent)
	bot.Handle("/reconnect", c.cmdReconnect)

	err := bot.SetCommands([]telebot.Command{
		{Text: "help", Description: "Show available commands"},
		{Text: "status", Description: "Feed connection status"},
		{Text: "recent", Description: "Latest transactions"},
		{Text: "reconnect", Description: "Force a reconnection"},
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to set bot command menu")
	}
	c.logger.Info().Int("admins", len(c.allowedUsers)).Msg("bot commands registered")
}

func (c *botCommands) isAllowed(m *telebot.Message) bool {
	if m.Sender == nil {
		return false
	}
	return c.allowedUsers[int64(m.Sender.ID)]
}

func (c *botCommands) cmdHelp(m *telebot.Message) {
	msg := "txWatch commands\n\n" +
		"/status - Feed connection status\n" +
		"/recent [n] - Latest transactions (default 5)\n" +
		"/reconnect - Force a reconnection (admins)"
	c.bot.Send(m.Chat, msg)
}

func (c *botCommands) cmdStatus(m *telebot.Message) {
	c.bot.Send(m.Chat, statusText(c.session.View()))
}

func (c *botCommands) cmdRecent(m *telebot.Message) {
	n := 5
	if arg := strings.TrimSpace(m.Payload); arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil || parsed <= 0 {
			c.bot.Send(m.Chat, "Usage: /recent [n]")
			return
		}
		n = parsed
	}
	c.bot.Send(m.Chat, recentText(c.session.View(), n))
}

func (c *botCommands) cmdReconnect(m *telebot.Message) {
	if !c.isAllowed(m) {
		return
	}
	if err := c.session.Reconnect(); err != nil {
		c.bot.Send(m.Chat, fmt.Sprintf("Error: %v", err))
		return
	}
	c.bot.Send(m.Chat, "Reconnecting...")
}

func statusText(v View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feed status: %s\n", v.State)
	if v.LastTriedURL != "" {
		fmt.Fprintf(&b, "Endpoint: %s\n", v.LastTriedURL)
	}
	if v.Attempt > 0 {
		fmt.Fprintf(&b, "Retry attempt: %d\n", v.Attempt)
	}
	if v.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", v.LastError)
	}
	fmt.Fprintf(&b, "\nTransactions: %d\n", v.Stats.Total)
	fmt.Fprintf(&b, "Suspicious: %d (%.1f%%)\n", v.Stats.Suspicious, v.Stats.SuspiciousPct)
	fmt.Fprintf(&b, "Unique addresses: %d\n", v.Stats.UniqueAddresses)
	fmt.Fprintf(&b, "Average value: %.4f ETH", v.Stats.AvgValueEth)
	return b.String()
}

func recentText(v View, n int) string {
	if len(v.Transactions) == 0 {
		return "No transactions yet"
	}
	if n > len(v.Transactions) {
		n = len(v.Transactions)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Latest %d transactions\n\n", n)
	for _, rec := range v.Transactions[:n] {
		fmt.Fprintf(&b, "%s  %s  %.4f ETH\n", rec.ShortHash(12), rec.Classification, rec.ValueEth)
	}
	return strings.TrimRight(b.String(), "\n")
}
