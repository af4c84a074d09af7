package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	appLog "calwatch/internal/log"
	"calwatch/internal/summary"
)

const (
	colorLosses = 0xFF0000
	colorGains  = 0x00FF00

	// maxTitleChars is Discord's embed title limit.
	maxTitleChars = 256
)

// Discord posts one embed per block through the Discord REST API. A
// destination starting with http(s):// is a webhook URL; anything else is a
// channel ID posted to as the bot, which needs a bot token. No gateway
// connection is opened.
type Discord struct {
	session  *discordgo.Session
	botToken string
	footer   string
	now      func() time.Time
}

// DiscordOption customizes a Discord notifier.
type DiscordOption func(*Discord)

// WithAPIHost sends every API request to base (scheme and host) instead of
// discord.com.
func WithAPIHost(base string) DiscordOption {
	return func(d *Discord) {
		u, err := url.Parse(base)
		if err != nil || u.Host == "" {
			return
		}
		d.session.Client.Transport = hostRewriter{scheme: u.Scheme, host: u.Host, next: d.session.Client.Transport}
	}
}

// WithFooter sets the embed footer text.
func WithFooter(text string) DiscordOption {
	return func(d *Discord) { d.footer = text }
}

// WithClock replaces time.Now for embed timestamps.
func WithClock(now func() time.Time) DiscordOption {
	return func(d *Discord) { d.now = now }
}

// NewDiscord creates a Discord notifier. botToken may be empty when only
// webhook destinations are used.
func NewDiscord(botToken string, opts ...DiscordOption) *Discord {
	token := ""
	if botToken != "" {
		token = "Bot " + botToken
	}
	// New only fails on login arguments, which are not used here.
	session, _ := discordgo.New(token)
	session.Client = &http.Client{Timeout: 15 * time.Second}
	session.ShouldRetryOnRateLimit = true
	session.MaxRestRetries = 3

	d := &Discord{
		session:  session,
		botToken: botToken,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Discord) Deliver(ctx context.Context, destination string, blocks []summary.Block) error {
	send, err := d.sender(destination)
	if err != nil {
		return &DeliveryError{Destination: redactDestination(destination), Err: err}
	}

	ts := d.now().UTC().Format(time.RFC3339)
	for i, b := range blocks {
		if err := send(ctx, d.embed(b, ts)); err != nil {
			return &DeliveryError{Destination: redactDestination(destination), Index: i, Err: err}
		}
	}
	return nil
}

func (d *Discord) embed(b summary.Block, ts string) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       truncateTitle(b.Title),
		Description: b.Text,
		Color:       colorGains,
		Timestamp:   ts,
	}
	if b.Kind == summary.Losses {
		e.Color = colorLosses
	}
	if d.footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: d.footer}
	}
	return e
}

func init() {
	discordgo.Logger = func(level, _ int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch level {
		case discordgo.LogError:
			appLog.Error("discordgo", errors.New(msg))
		case discordgo.LogWarning:
			appLog.Warn("discordgo", "msg", msg)
		default:
			appLog.Debug("discordgo", "msg", msg)
		}
	}
}

type sendFunc func(ctx context.Context, e *discordgo.MessageEmbed) error

func (d *Discord) sender(destination string) (sendFunc, error) {
	destination = strings.TrimSpace(destination)
	switch {
	case destination == "":
		return nil, errors.New("destination is empty")
	case strings.HasPrefix(destination, "https://"), strings.HasPrefix(destination, "http://"):
		id, token, err := parseWebhook(destination)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, e *discordgo.MessageEmbed) error {
			_, err := d.session.WebhookExecute(id, token, true, &discordgo.WebhookParams{
				Embeds: []*discordgo.MessageEmbed{e},
			}, discordgo.WithContext(ctx))
			return err
		}, nil
	case d.botToken == "":
		return nil, errors.New("channel destination requires a bot token")
	default:
		return func(ctx context.Context, e *discordgo.MessageEmbed) error {
			_, err := d.session.ChannelMessageSendEmbed(destination, e, discordgo.WithContext(ctx))
			return err
		}, nil
	}
}

// parseWebhook extracts id and token from .../webhooks/<id>/<token>.
func parseWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	_, rest, ok := strings.Cut(u.Path, "/webhooks/")
	if !ok {
		return "", "", errors.New("webhook url has no /webhooks/ segment")
	}
	id, token, _ = strings.Cut(strings.Trim(rest, "/"), "/")
	if id == "" || token == "" {
		return "", "", errors.New("webhook url needs an id and a token")
	}
	return id, token, nil
}

func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= maxTitleChars {
		return s
	}
	return string([]rune(s)[:maxTitleChars-1]) + "…"
}

// hostRewriter redirects requests built for discord.com to another host.
type hostRewriter struct {
	scheme string
	host   string
	next   http.RoundTripper
}

func (h hostRewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = h.scheme
	req.URL.Host = h.host
	req.Host = h.host
	next := h.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

// redactDestination keeps webhook tokens out of logs.
func redactDestination(dest string) string {
	if i := strings.Index(dest, "/webhooks/"); i >= 0 {
		rest := dest[i+len("/webhooks/"):]
		if j := strings.Index(rest, "/"); j >= 0 {
			return dest[:i] + "/webhooks/" + rest[:j] + "/...(redacted)"
		}
	}
	return dest
}
