package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

// Sink delivers a message to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// LogSink writes messages to the structured log.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{
		logx.String("job", m.JobID),
		logx.String("execution", m.ExecutionID),
		logx.String("status", string(m.Status)),
		logx.String("trigger", string(m.Trigger)),
	}
	if m.ErrorKind != "" {
		fields = append(fields, logx.String("kind", string(m.ErrorKind)), logx.Bool("needs_action", m.NeedsAction))
	}
	if m.Status == workflow.StatusSucceeded {
		s.log.Info(m.Title, fields...)
	} else {
		s.log.Warn(m.Title, fields...)
	}
	return nil
}

// WebhookSink POSTs the message as JSON.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookSink(url string, headers map[string]string, client *http.Client) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	return &WebhookSink{url: url, headers: headers, client: client}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("webhook returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return permanent(err)
		}
		return err
	}
	return nil
}

// TelegramConfig configures the Telegram sink. URL overrides the Bot API
// endpoint.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	URL      string
}

// TelegramSink sends messages through the Bot API. It never polls for updates.
type TelegramSink struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSink(cfg TelegramConfig, client *http.Client) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, err := s.bot.Send(s.chat, m.Text, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.threadID,
		})
		ch <- result{err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && isPermanentTelegram(r.err) {
			return permanent(r.err)
		}
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isPermanentTelegram(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == http.StatusBadRequest || te.Code == http.StatusUnauthorized || te.Code == http.StatusForbidden
	}
	return false
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks a sink error as not worth retrying.
func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
