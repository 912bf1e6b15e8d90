package alert

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	channel string
	embeds  []*discordgo.MessageEmbed
	err     error
}

func (f *fakeSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel = channelID
	f.embeds = append(f.embeds, embed)
	return &discordgo.Message{}, f.err
}

func TestDiscordNotify(t *testing.T) {
	sender := &fakeSender{}
	d := &Discord{session: sender, channelID: "chan-1"}

	err := d.Notify(context.Background(), Alert{
		Kind:    KindHighSeverity,
		Title:   "Forged vote attempt",
		Body:    "signature did not match wallet",
		PollID:  "poll-1",
		Wallet:  "0x52908400098527886e0f7030069857d2e4169ee7",
		Fields:  map[string]string{"reason": "forgery", "attempts": "3"},
		RaiseAt: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "chan-1", sender.channel)
	require.Len(t, sender.embeds, 1)

	e := sender.embeds[0]
	assert.Equal(t, colorHigh, e.Color)
	assert.Equal(t, "2026-10-18T12:00:00Z", e.Timestamp)
	require.Len(t, e.Fields, 4)
	assert.Equal(t, "0x529084...e4169ee7", e.Fields[1].Value)
	assert.Equal(t, "attempts", e.Fields[2].Name, "extra fields are sorted")

	sender.err = errors.New("rate limited")
	assert.Error(t, d.Notify(context.Background(), Alert{Kind: KindDuplicateStorm}))
}

func TestTruncateForDiscord(t *testing.T) {
	assert.Equal(t, "abc", truncateForDiscord("abc", 5))
	assert.Equal(t, "ab…", truncateForDiscord("abcdef", 3))
	assert.Equal(t, 4000, len([]rune(buildEmbed(Alert{Body: strings.Repeat("x", 5000)}).Description)))
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "0x529084...e4169ee7", formatAddress("0x52908400098527886e0f7030069857d2e4169ee7"))
	assert.Equal(t, "short", formatAddress("short"))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(zerolog.New(&buf))
	require.NoError(t, n.Notify(context.Background(), Alert{Kind: KindDuplicateStorm, Title: "storm", PollID: "p1", Fields: map[string]string{"count": "6"}}))
	out := buf.String()
	assert.Contains(t, out, `"kind":"duplicate_storm"`)
	assert.Contains(t, out, `"count":"6"`)
	assert.Contains(t, out, `"message":"storm"`)
}
