package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	colorHigh    = 0xe74c3c
	colorWarning = 0xf1c40f
	maxDescLen   = 4000
	maxFieldLen  = 1000
)

type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts as embeds to one channel.
type Discord struct {
	session   embedSender
	channelID string
}

// NewDiscord opens a bot session. The session is REST-only; no gateway connection is made.
func NewDiscord(token, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

func (d *Discord) Notify(ctx context.Context, a Alert) error {
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, buildEmbed(a), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func buildEmbed(a Alert) *discordgo.MessageEmbed {
	color := colorWarning
	if a.Kind == KindHighSeverity || a.Kind == KindTallyExhausted {
		color = colorHigh
	}
	at := a.RaiseAt
	if at.IsZero() {
		at = time.Now()
	}

	embed := &discordgo.MessageEmbed{
		Title:       truncateForDiscord(a.Title, 256),
		Description: truncateForDiscord(a.Body, maxDescLen),
		Color:       color,
		Timestamp:   at.UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "votecore | " + string(a.Kind)},
	}
	if a.PollID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Poll", Value: a.PollID, Inline: true})
	}
	if a.Wallet != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Wallet", Value: formatAddress(a.Wallet), Inline: true})
	}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   k,
			Value:  truncateForDiscord(a.Fields[k], maxFieldLen),
			Inline: true,
		})
	}
	return embed
}

func formatAddress(addr string) string {
	if len(addr) > 16 {
		return addr[:8] + "..." + addr[len(addr)-8:]
	}
	return addr
}

func truncateForDiscord(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
