package main

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/orchestrator"
)

// commandPrefix marks a message as a bot command, the same bang-prefix
// convention the teacher's command names (PlayCommand, SkipCommand, ...)
// imply.
const commandPrefix = "!"

// commandAdapter translates discordgo.MessageCreate events into
// orchestrator.Command values, keeping internal/orchestrator free of any
// chat-platform dependency.
type commandAdapter struct {
	orch   *orchestrator.Orchestrator
	logger logging.Logger
}

func (a *commandAdapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if !strings.HasPrefix(m.Content, commandPrefix) {
		return
	}

	body := strings.TrimSpace(strings.TrimPrefix(m.Content, commandPrefix))
	if body == "" {
		return
	}
	name, argText, _ := strings.Cut(body, " ")

	cmd := orchestrator.Command{
		GuildID:         m.GuildID,
		ChannelID:       m.ChannelID,
		UserID:          m.Author.ID,
		UserDisplayName: displayName(m.Member, m.Author),
		Name:            strings.ToLower(name),
		ArgumentText:    strings.TrimSpace(argText),
	}

	if err := a.orch.HandleCommand(context.Background(), cmd); err != nil {
		a.logger.Warn("command rejected", map[string]interface{}{
			"guild_id": cmd.GuildID,
			"command":  cmd.Name,
			"error":    err.Error(),
		})
		if _, sendErr := s.ChannelMessageSend(m.ChannelID, err.Error()); sendErr != nil {
			a.logger.Warn("failed to send command error reply", map[string]interface{}{"error": sendErr.Error()})
		}
	}
}

func displayName(member *discordgo.Member, author *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if author.GlobalName != "" {
		return author.GlobalName
	}
	return author.Username
}
