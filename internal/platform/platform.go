// Package platform is the thin chat-platform collaborator boundary: the
// five primitives the core orchestrator depends on (send, edit, delete,
// fetch-recent, voice), and a discordgo-backed adapter implementing them.
// Everything else discordgo offers (command parsing for unrelated features,
// presence, reactions) lives outside this package's contract per spec §1.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// MessageHandle identifies one sent message within a channel.
type MessageHandle string

// NotFoundError marks an edit/delete target that the platform reports as
// gone (HTTP 404 class); callers must treat it as non-fatal per spec §4.7.
type NotFoundError struct {
	Handle MessageHandle
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("message %s not found", e.Handle)
}

// TransientError marks a platform 5xx-class failure; callers should yield
// the current tick and retry on the next one (spec §7).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient platform error: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// VoiceConnection is the subset of a live voice session the player needs.
type VoiceConnection interface {
	SendOpusFrame(frame []byte) error
	Close() error
}

// Collaborator is the chat-platform contract the core depends on. Every
// method has at-most-once-success semantics; retries on transport error are
// expected to be idempotent.
type Collaborator interface {
	Send(ctx context.Context, channelID, text string) (MessageHandle, error)
	Edit(ctx context.Context, channelID string, handle MessageHandle, text string) error
	Delete(ctx context.Context, channelID string, handle MessageHandle) error
	FetchRecent(ctx context.Context, channelID string, n int) ([]MessageHandle, error)

	JoinVoice(ctx context.Context, guildID, channelID string) (VoiceConnection, error)
	LeaveVoice(ctx context.Context, guildID string) error
	VoiceChannelMemberCount(guildID, channelID string) (int, error)
}

// DiscordCollaborator implements Collaborator over a live discordgo.Session.
type DiscordCollaborator struct {
	session *discordgo.Session
}

// NewDiscordCollaborator wraps an open discordgo session.
func NewDiscordCollaborator(session *discordgo.Session) *DiscordCollaborator {
	return &DiscordCollaborator{session: session}
}

func (d *DiscordCollaborator) Send(ctx context.Context, channelID, text string) (MessageHandle, error) {
	msg, err := d.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", classify(err)
	}
	return MessageHandle(msg.ID), nil
}

func (d *DiscordCollaborator) Edit(ctx context.Context, channelID string, handle MessageHandle, text string) error {
	_, err := d.session.ChannelMessageEdit(channelID, string(handle), text)
	if err != nil {
		return classify(err, handle)
	}
	return nil
}

func (d *DiscordCollaborator) Delete(ctx context.Context, channelID string, handle MessageHandle) error {
	err := d.session.ChannelMessageDelete(channelID, string(handle))
	if err != nil {
		return classify(err, handle)
	}
	return nil
}

func (d *DiscordCollaborator) FetchRecent(ctx context.Context, channelID string, n int) ([]MessageHandle, error) {
	msgs, err := d.session.ChannelMessages(channelID, n, "", "", "")
	if err != nil {
		return nil, classify(err)
	}
	out := make([]MessageHandle, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageHandle(m.ID))
	}
	return out, nil
}

func (d *DiscordCollaborator) JoinVoice(ctx context.Context, guildID, channelID string) (VoiceConnection, error) {
	vc, err := d.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, classify(err)
	}
	return &discordVoiceConnection{vc: vc}, nil
}

func (d *DiscordCollaborator) LeaveVoice(ctx context.Context, guildID string) error {
	if vc, ok := d.session.VoiceConnections[guildID]; ok {
		return vc.Disconnect()
	}
	return nil
}

func (d *DiscordCollaborator) VoiceChannelMemberCount(guildID, channelID string) (int, error) {
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return 0, classify(err)
	}
	count := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := d.session.State.Member(guildID, vs.UserID)
		if err == nil && member.User != nil && member.User.Bot {
			continue
		}
		count++
	}
	return count, nil
}

type discordVoiceConnection struct {
	vc *discordgo.VoiceConnection
}

func (c *discordVoiceConnection) SendOpusFrame(frame []byte) error {
	select {
	case c.vc.OpusSend <- frame:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out sending opus frame")
	}
}

func (c *discordVoiceConnection) Close() error {
	return c.vc.Disconnect()
}

// classify turns a discordgo error (or any error) into the taxonomy the
// dispatcher and orchestrator branch on. discordgo's RESTError carries the
// HTTP status: 404 becomes NotFoundError and 5xx becomes TransientError.
// Any other error is returned unchanged, as neither of the two.
func classify(err error, handle ...MessageHandle) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		switch {
		case restErr.Response.StatusCode == 404:
			if len(handle) > 0 {
				return &NotFoundError{Handle: handle[0]}
			}
			return &NotFoundError{}
		case restErr.Response.StatusCode >= 500:
			return &TransientError{Cause: err}
		}
	}
	return err
}
