package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/summary"
)

type messagePayload struct {
	Embeds []*discordgo.MessageEmbed `json:"embeds"`
}

type recorder struct {
	mu       sync.Mutex
	paths    []string
	queries  []string
	auth     []string
	payloads []messagePayload
	// respond overrides the reply for the n-th request (1-based).
	respond func(n int, w http.ResponseWriter) bool
}

func (r *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()

		var p messagePayload
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&p))
		r.paths = append(r.paths, req.URL.Path)
		r.queries = append(r.queries, req.URL.RawQuery)
		r.auth = append(r.auth, req.Header.Get("Authorization"))
		r.payloads = append(r.payloads, p)

		w.Header().Set("Content-Type", "application/json")
		if r.respond != nil && r.respond(len(r.payloads), w) {
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","channel_id":"123456"}`))
	}
}

func endpointPath(t *testing.T, endpoint string) string {
	t.Helper()
	u, err := url.Parse(endpoint)
	require.NoError(t, err)
	return u.Path
}

var fixedClock = func() time.Time { return time.Date(2025, time.January, 6, 8, 0, 0, 0, time.UTC) }

func blocks() []summary.Block {
	return []summary.Block{
		{Kind: summary.Losses, Title: "Changes Course", Text: "```diff\n-Math\n\n```"},
		{Kind: summary.Gains, Title: "Changes Course", Text: "```diff\n+Math\n\n```"},
	}
}

func TestDiscordWebhookDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDiscord("", WithAPIHost(srv.URL), WithFooter("footer text"), WithClock(fixedClock))
	err := d.Deliver(context.Background(), "https://discord.com/api/webhooks/1/secret", blocks())
	require.NoError(t, err)

	require.Len(t, rec.payloads, 2)
	assert.Equal(t, endpointPath(t, discordgo.EndpointWebhookToken("1", "secret")), rec.paths[0])
	assert.Contains(t, rec.queries[0], "wait=true")

	first := rec.payloads[0].Embeds[0]
	assert.Equal(t, colorLosses, first.Color)
	assert.Equal(t, "```diff\n-Math\n\n```", first.Description)
	assert.Equal(t, "Changes Course", first.Title)
	assert.Equal(t, "2025-01-06T08:00:00Z", first.Timestamp)
	require.NotNil(t, first.Footer)
	assert.Equal(t, "footer text", first.Footer.Text)

	assert.Equal(t, colorGains, rec.payloads[1].Embeds[0].Color)
	assert.Empty(t, rec.auth[0])
}

func TestDiscordChannelUsesBotToken(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDiscord("tok", WithAPIHost(srv.URL))
	require.NoError(t, d.Deliver(context.Background(), "123456", blocks()[:1]))

	require.Len(t, rec.paths, 1)
	assert.Equal(t, endpointPath(t, discordgo.EndpointChannelMessages("123456")), rec.paths[0])
	assert.Equal(t, "Bot tok", rec.auth[0])
	require.Len(t, rec.payloads[0].Embeds, 1)
	assert.Equal(t, colorLosses, rec.payloads[0].Embeds[0].Color)
}

func TestDiscordRejectsBadDestinations(t *testing.T) {
	cases := map[string]string{
		"channel without token": "123456",
		"empty":                 "  ",
		"not a webhook":         "https://example.com/hook",
		"webhook without token": "https://discord.com/api/webhooks/42",
	}
	for name, dest := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewDiscord("").Deliver(context.Background(), dest, blocks())
			var de *DeliveryError
			require.True(t, errors.As(err, &de))
			assert.Zero(t, de.Index)
		})
	}
}

func TestDiscordStopsAtFirstFailure(t *testing.T) {
	rec := &recorder{respond: func(n int, w http.ResponseWriter) bool {
		if n != 1 {
			return false
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid Form Body","code":50035}`))
		return true
	}}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	err := NewDiscord("", WithAPIHost(srv.URL)).Deliver(context.Background(), "https://discord.com/api/webhooks/1/secret", blocks())
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 0, de.Index)
	assert.NotContains(t, de.Error(), "secret")

	var rest *discordgo.RESTError
	require.True(t, errors.As(err, &rest))
	assert.Equal(t, http.StatusBadRequest, rest.Response.StatusCode)
	assert.Len(t, rec.payloads, 1)
}

func TestDiscordRetriesRateLimitedRequest(t *testing.T) {
	rec := &recorder{respond: func(n int, w http.ResponseWriter) bool {
		if n != 1 {
			return false
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.01,"global":false}`))
		return true
	}}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	err := NewDiscord("", WithAPIHost(srv.URL)).Deliver(context.Background(), "https://discord.com/api/webhooks/1/secret", blocks())
	require.NoError(t, err)
	require.Len(t, rec.payloads, 3)
	assert.Equal(t, rec.payloads[0].Embeds[0].Description, rec.payloads[1].Embeds[0].Description)
	assert.Equal(t, colorGains, rec.payloads[2].Embeds[0].Color)
}

func TestDiscordTruncatesLongTitles(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	b := blocks()[:1]
	b[0].Title = strings.Repeat("Ü", 300)
	require.NoError(t, NewDiscord("", WithAPIHost(srv.URL)).Deliver(context.Background(), "https://discord.com/api/webhooks/1/secret", b))

	title := []rune(rec.payloads[0].Embeds[0].Title)
	assert.Len(t, title, maxTitleChars)
	assert.Equal(t, '…', title[len(title)-1])
}

func TestParseWebhook(t *testing.T) {
	id, token, err := parseWebhook("https://discord.com/api/webhooks/42/abc-DEF_1/")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, "abc-DEF_1", token)
}

func TestRedactDestination(t *testing.T) {
	assert.Equal(t,
		"https://discord.com/api/webhooks/42/...(redacted)",
		redactDestination("https://discord.com/api/webhooks/42/very-secret-token"))
	assert.Equal(t, "123456", redactDestination("123456"))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Deliver(context.Background(), "x", blocks()))
}
