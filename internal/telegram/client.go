// Package telegram provides a client for sending training notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/marketppo/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	mu     sync.RWMutex
	status func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SetStatusFunc installs the callback answering the /status command.
func (c *Client) SetStatusFunc(f func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = f
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	case "status":
		c.mu.RLock()
		f := c.status
		c.mu.RUnlock()
		text := "No training run in progress"
		if f != nil {
			text = f()
		}
		c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendNewBest reports an evaluation that improved on the previous best.
func (c *Client) SendNewBest(e models.EvalResult, previous float64, path string) error {
	return c.sendMarkdownV2(formatNewBest(e, previous, path))
}

// SendAnomalies reports training metrics that left their running range.
func (c *Client) SendAnomalies(anomalies []models.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	return c.sendMarkdownV2(formatAnomalies(anomalies))
}

// SendAborted reports a run stopped by an unrecoverable error.
func (c *Client) SendAborted(runID string, trainStep int, runErr error) error {
	text := fmt.Sprintf("⚠️ *Training aborted*\nRun `%s` at step %d\n`%s`",
		escapeMarkdownV2(runID), trainStep, escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendCompleted reports a run that finished every train step.
func (c *Client) SendCompleted(runID string, trainSteps int, bestReturn float64) error {
	text := fmt.Sprintf("✅ *Training completed*\nRun `%s` after %d steps, best return *%s*",
		escapeMarkdownV2(runID), trainSteps, escapeMarkdownV2(fmt.Sprintf("%.4f", bestReturn)))
	return c.sendMarkdownV2(text)
}

func formatNewBest(e models.EvalResult, previous float64, path string) string {
	message := "🏆 *New best policy*\n\n"
	message += fmt.Sprintf("Run `%s` step %d\n", escapeMarkdownV2(e.RunID), e.TrainStep)
	message += fmt.Sprintf("Return *%s* ± %s over %d episodes\n",
		escapeMarkdownV2(fmt.Sprintf("%.4f", e.MeanReturn)),
		escapeMarkdownV2(fmt.Sprintf("%.4f", e.StdReturn)),
		e.Episodes)
	if !math.IsInf(previous, -1) {
		message += fmt.Sprintf("Previous best %s\n", escapeMarkdownV2(fmt.Sprintf("%.4f", previous)))
	}
	if path != "" {
		message += fmt.Sprintf("Saved to `%s`\n", escapeMarkdownV2(path))
	}
	return message
}

func formatAnomalies(anomalies []models.Anomaly) string {
	message := "🚨 *Unusual training metrics*\n\n"
	dateStr := escapeMarkdownV2(anomalies[0].DetectedAt.Format("2006-01-02 15:04:05"))
	message += fmt.Sprintf("📅 Detected: %s\n\n", dateStr)

	for i, a := range anomalies {
		directionEmoji := "📈"
		if a.Direction == "decrease" {
			directionEmoji = "📉"
		}
		message += fmt.Sprintf("%d\\. %s *%s* at step %d\n", i+1, directionEmoji, escapeMarkdownV2(a.Metric), a.TrainStep)
		message += fmt.Sprintf("   %s \\(mean %s, σ %s, score %s\\)\n",
			escapeMarkdownV2(fmt.Sprintf("%.4f", a.Value)),
			escapeMarkdownV2(fmt.Sprintf("%.4f", a.Mean)),
			escapeMarkdownV2(fmt.Sprintf("%.4f", a.Sigma)),
			escapeMarkdownV2(fmt.Sprintf("%.1f", a.Score)))
	}
	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
