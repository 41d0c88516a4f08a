package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/latoulicious/guildmix/internal/model"
	"github.com/latoulicious/guildmix/internal/player"
	"github.com/latoulicious/guildmix/internal/progress"
)

// Command is a protocol-agnostic description of one invoked command (spec
// §6's command surface table). The chat-platform adapter is responsible
// for turning a discordgo.MessageCreate (or equivalent) into one of these.
type Command struct {
	GuildID         string
	ChannelID       string
	UserID          string
	UserDisplayName string
	Name            string
	ArgumentText    string
}

// HandleCommand dispatches cmd to the matching handler, logging entry and
// any terminal error the way the teacher's command handlers log via their
// per-command logger.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd Command) error {
	logger := o.loggers.CreateOrchestratorLogger("command:" + cmd.Name)
	logger.Info("command received", map[string]interface{}{
		"guild_id": cmd.GuildID,
		"user_id":  cmd.UserID,
	})

	var err error
	switch cmd.Name {
	case "join", "awaken":
		err = o.handleJoin(ctx, cmd)
	case "play":
		err = o.handlePlay(ctx, cmd)
	case "skip":
		err = o.handleSkip(cmd)
	case "pause":
		err = o.handlePause(cmd)
	case "resume":
		err = o.handleResume(cmd)
	case "stop":
		err = o.handleStop(ctx, cmd)
	case "remove":
		err = o.handleRemove(cmd)
	case "bump":
		err = o.handleBump(cmd)
	case "shuffle":
		err = o.handleShuffle(cmd)
	case "queue":
		err = o.handleQueueRender(cmd)
	case "history":
		err = o.handleHistoryRender(cmd)
	case "playlist":
		err = o.handlePlaylist(ctx, cmd)
	case "random-play":
		err = o.handleRandomPlay(ctx, cmd)
	case "move-messages":
		err = o.handleMoveMessages(cmd)
	default:
		err = fmt.Errorf("unrecognized command %q", cmd.Name)
	}

	if err != nil {
		logger.Error("command failed", err, map[string]interface{}{"guild_id": cmd.GuildID})
	}
	return err
}

func (o *Orchestrator) handleJoin(ctx context.Context, cmd Command) error {
	p := o.getOrCreatePlayer(cmd.GuildID)
	if err := p.Join(ctx, cmd.ArgumentText, cmd.ChannelID); err != nil {
		return fmt.Errorf("join failed: %w", err)
	}
	return nil
}

// handlePlay runs a raw play-command argument through the SearchResolver
// (spec §4.4), registers a frozen ProgressBundle for the resulting
// MediaRequests, and routes each one to the search or download queue
// depending on whether it still needs resolution (spec §4.9's loop table).
func (o *Orchestrator) handlePlay(ctx context.Context, cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok || p.State() == model.PlayerIdle {
		return fmt.Errorf("player is not active in this guild; use join first")
	}

	requests, err := o.resolver.Classify(ctx, cmd.GuildID, cmd.ChannelID, cmd.UserID, cmd.UserDisplayName, cmd.ArgumentText)
	if err != nil {
		return fmt.Errorf("could not classify play request: %w", err)
	}
	if len(requests) == 0 {
		return nil
	}

	bundle := progress.New(cmd.GuildID, cmd.ChannelID, cmd.ArgumentText, o.cfg.Bundle.PageCharLimit)
	for _, req := range requests {
		req.BundleID = bundle.ID
		req.HasBundle = true
		initialStage := model.StageQueued
		if req.Type.RequiresSearch() {
			initialStage = model.StageSearching
		}
		bundle.AddRequest(req, initialStage)
	}
	bundle.Freeze()
	o.registerBundle(bundle)

	for _, req := range requests {
		o.routeNewRequest(req)
	}
	return nil
}

func (o *Orchestrator) routeNewRequest(req *model.MediaRequest) {
	if req.Type.RequiresSearch() {
		if err := o.searchQueue.Put(req.GuildID, req); err != nil {
			o.updateBundleRow(req, model.StageFailed, "search queue full")
		}
		return
	}
	if err := o.downloadQueue.Put(req.GuildID, req); err != nil {
		o.updateBundleRow(req, model.StageFailed, "download queue full")
	}
}

func (o *Orchestrator) handleSkip(cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	p.Skip()
	return nil
}

func (o *Orchestrator) handlePause(cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	p.Pause()
	return nil
}

func (o *Orchestrator) handleResume(cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	p.Resume()
	return nil
}

func (o *Orchestrator) handleStop(ctx context.Context, cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	p.Stop(ctx)
	o.removePlayer(cmd.GuildID)
	return nil
}

func (o *Orchestrator) handleRemove(cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	index, err := parseIndex(cmd.ArgumentText)
	if err != nil {
		return err
	}
	return p.Remove(index)
}

func (o *Orchestrator) handleBump(cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	index, err := parseIndex(cmd.ArgumentText)
	if err != nil {
		return err
	}
	return p.Bump(index)
}

func (o *Orchestrator) handleShuffle(cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok {
		return fmt.Errorf("no active player in this guild")
	}
	p.Shuffle()
	return nil
}

// handleQueueRender registers (or re-touches) the player's own
// "play-order-<guild>" bundle; the dispatch loop renders and posts it on
// its next tick, so this handler only needs to nudge it.
func (o *Orchestrator) handleQueueRender(cmd Command) error {
	if _, ok := o.getPlayer(cmd.GuildID); !ok {
		return fmt.Errorf("no active player in this guild")
	}
	o.dispatcher.Touch(player.BundleID(cmd.GuildID))
	return nil
}

func (o *Orchestrator) handleHistoryRender(cmd Command) error {
	o.dispatcher.Enqueue(cmd.ChannelID, "History is tracked per-guild in the analytics store; it is not shown in chat.", 0)
	return nil
}

// handlePlaylist dispatches the playlist subcommands encoded in
// ArgumentText. "remove <item-id>" deletes one item through
// history.RemoveItem, which rejects items of the history playlist (spec §9
// OQ3); "list" only replies with a pointer to the history/queue commands.
// Playlists are not created, listed or shown item by item anywhere.
func (o *Orchestrator) handlePlaylist(ctx context.Context, cmd Command) error {
	fields := strings.Fields(cmd.ArgumentText)
	if len(fields) == 0 {
		return fmt.Errorf("usage: playlist <list|remove> [item-id]")
	}

	switch fields[0] {
	case "remove":
		if len(fields) < 2 {
			return fmt.Errorf("usage: playlist remove <item-id>")
		}
		itemID, err := uuid.Parse(fields[1])
		if err != nil {
			return fmt.Errorf("invalid item id: %w", err)
		}
		return o.history.RemoveItem(itemID)
	case "list":
		o.dispatcher.Enqueue(cmd.ChannelID, "Use the history/queue commands to view the current playback state.", 0)
		return nil
	default:
		return fmt.Errorf("unrecognized playlist subcommand %q", fields[0])
	}
}

// handleRandomPlay queues N randomly chosen items, sourced either from the
// guild's history playlist or (with a "cache" argument) from the shared
// DownloadCache, as already-resolved direct-URL requests so they skip the
// search stage entirely (spec §6's "random-play [cache]" surface).
func (o *Orchestrator) handleRandomPlay(ctx context.Context, cmd Command) error {
	p, ok := o.getPlayer(cmd.GuildID)
	if !ok || p.State() == model.PlayerIdle {
		return fmt.Errorf("player is not active in this guild; use join first")
	}

	fields := strings.Fields(cmd.ArgumentText)
	fromCache := false
	count := 5
	for _, f := range fields {
		if strings.EqualFold(f, "cache") {
			fromCache = true
			continue
		}
		if n, err := strconv.Atoi(f); err == nil && n > 0 {
			count = n
		}
	}

	var urls []string
	if fromCache {
		entries, err := o.cache.RandomEntries(count)
		if err != nil {
			return fmt.Errorf("failed to sample cache entries: %w", err)
		}
		for _, e := range entries {
			urls = append(urls, e.URL)
		}
	} else {
		items, err := o.history.RandomItems(cmd.GuildID, count)
		if err != nil {
			return fmt.Errorf("failed to sample history items: %w", err)
		}
		for _, it := range items {
			urls = append(urls, it.URL)
		}
	}
	if len(urls) == 0 {
		return fmt.Errorf("nothing to pick from yet")
	}

	bundle := progress.New(cmd.GuildID, cmd.ChannelID, "random play", o.cfg.Bundle.PageCharLimit)
	requests := make([]*model.MediaRequest, 0, len(urls))
	for _, url := range urls {
		req := model.NewMediaRequest(cmd.GuildID, cmd.ChannelID, cmd.UserID, cmd.UserDisplayName, url, model.SearchDirectURL)
		req.FromHistory = true
		req.BundleID = bundle.ID
		req.HasBundle = true
		bundle.AddRequest(req, model.StageQueued)
		requests = append(requests, req)
	}
	bundle.Freeze()
	o.registerBundle(bundle)

	for _, req := range requests {
		o.routeNewRequest(req)
	}
	return nil
}

func (o *Orchestrator) handleMoveMessages(cmd Command) error {
	if _, ok := o.getPlayer(cmd.GuildID); !ok {
		return fmt.Errorf("no active player in this guild")
	}
	bundleID := player.BundleID(cmd.GuildID)
	o.dispatcher.Unregister(bundleID)
	o.dispatcher.Register(bundleID, cmd.ChannelID, true)
	o.dispatcher.Touch(bundleID)
	return nil
}

func parseIndex(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("expected a numeric index, got %q", arg)
	}
	return n - 1, nil
}
