// Package dispatch implements MessageDispatcher: a diff-based projector
// that turns ProgressBundle (and other mutable-bundle) content into
// minimal chat-API edit/send/delete operations, plus a FIFO for
// fire-and-forget single messages. Grounded on the teacher's embed
// send/edit call shape (pkg/embed/*, pkg/common/queue.go's
// GetQueueStatusEmbed) generalized from "one live embed" to the frozen
// multi-page diff model spec §4.7 requires.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/latoulicious/guildmix/internal/logging"
	"github.com/latoulicious/guildmix/internal/platform"
)

// BundleSource renders the current content of a mutable bundle by id.
// ok is false once the bundle no longer exists (e.g. cleaned up after its
// finished-grace-period), signalling the dispatcher to tear it down.
type BundleSource interface {
	Render(bundleID string) (pages []string, ok bool)
}

type singleItem struct {
	channelID   string
	text        string
	deleteAfter time.Duration
}

type messageSlot struct {
	handle  platform.MessageHandle
	content string
}

// MutableBundle is the dispatcher's bookkeeping record for one bundle.
type MutableBundle struct {
	channelID    string
	sticky       bool
	messages     []messageSlot
	lastDispatch time.Time
	pending      bool
}

// Dispatcher is a MessageDispatcher.
type Dispatcher struct {
	mu                 sync.Mutex
	singleQueue        []singleItem
	mutableBundles     map[string]*MutableBundle
	stickyRecentWindow int
	logger             logging.Logger
}

// New creates a Dispatcher.
func New(stickyRecentWindow int, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		mutableBundles:     make(map[string]*MutableBundle),
		stickyRecentWindow: stickyRecentWindow,
		logger:             logger,
	}
}

// Enqueue adds a fire-and-forget notification to the single queue.
func (d *Dispatcher) Enqueue(channelID, text string, deleteAfter time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.singleQueue = append(d.singleQueue, singleItem{channelID: channelID, text: text, deleteAfter: deleteAfter})
}

// Register creates bookkeeping for a new mutable bundle. A second call for
// the same id is a no-op.
func (d *Dispatcher) Register(bundleID, channelID string, sticky bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mutableBundles[bundleID]; ok {
		return
	}
	d.mutableBundles[bundleID] = &MutableBundle{channelID: channelID, sticky: sticky, pending: true}
}

// Touch marks a bundle as having pending work since its last dispatch.
func (d *Dispatcher) Touch(bundleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mb, ok := d.mutableBundles[bundleID]; ok {
		mb.pending = true
	}
}

// Unregister drops a bundle's bookkeeping without deleting its messages
// (used once a caller has already issued the teardown deletes itself).
func (d *Dispatcher) Unregister(bundleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mutableBundles, bundleID)
}

// ErrYield is returned by Tick when a transient chat-API error interrupted
// the current operation; the caller should retry on the next tick.
var ErrYield = errors.New("dispatch: yielding tick after transient error")

// Tick runs one iteration of the dispatch loop (spec §4.7).
func (d *Dispatcher) Tick(ctx context.Context, collab platform.Collaborator, source BundleSource) error {
	bundleID, mb := d.selectPending()
	if bundleID == "" {
		return d.drainSingle(ctx, collab)
	}

	pages, ok := source.Render(bundleID)
	if !ok {
		d.teardown(ctx, collab, bundleID, mb)
		return nil
	}

	if err := d.applyDiff(ctx, collab, mb, pages); err != nil {
		return err
	}

	if mb.sticky {
		if err := d.enforceSticky(ctx, collab, mb, pages); err != nil {
			return err
		}
	}

	d.mu.Lock()
	mb.lastDispatch = time.Now()
	mb.pending = false
	d.mu.Unlock()
	return nil
}

// selectPending returns the oldest-dispatched pending bundle, if any.
func (d *Dispatcher) selectPending() (string, *MutableBundle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var bestID string
	var best *MutableBundle
	for id, mb := range d.mutableBundles {
		if !mb.pending {
			continue
		}
		if best == nil || mb.lastDispatch.Before(best.lastDispatch) {
			bestID, best = id, mb
		}
	}
	return bestID, best
}

func (d *Dispatcher) teardown(ctx context.Context, collab platform.Collaborator, bundleID string, mb *MutableBundle) {
	for _, slot := range mb.messages {
		if err := collab.Delete(ctx, mb.channelID, slot.handle); err != nil && !isNotFound(err) {
			d.logf("failed to delete teardown message", err)
		}
	}
	d.Unregister(bundleID)
}

func (d *Dispatcher) drainSingle(ctx context.Context, collab platform.Collaborator) error {
	d.mu.Lock()
	if len(d.singleQueue) == 0 {
		d.mu.Unlock()
		return nil
	}
	item := d.singleQueue[0]
	d.singleQueue = d.singleQueue[1:]
	d.mu.Unlock()

	handle, err := collab.Send(ctx, item.channelID, item.text)
	if err != nil {
		if isTransient(err) {
			return ErrYield
		}
		d.logf("failed to send single-queue notification", err)
		return nil
	}

	if item.deleteAfter > 0 {
		time.AfterFunc(item.deleteAfter, func() {
			_ = collab.Delete(context.Background(), item.channelID, handle)
		})
	}
	return nil
}

// applyDiff computes the diff between mb's last-known content and pages,
// issuing the minimal set of edit/send/delete operations (spec §4.7).
func (d *Dispatcher) applyDiff(ctx context.Context, collab platform.Collaborator, mb *MutableBundle, pages []string) error {
	old := mb.messages

	switch {
	case len(pages) == len(old):
		for i, content := range pages {
			if old[i].content == content {
				continue
			}
			if err := d.editSlot(ctx, collab, mb.channelID, &old[i], content); err != nil {
				return err
			}
		}
		mb.messages = old
		return nil

	case len(pages) > len(old):
		for i := range old {
			if old[i].content != pages[i] {
				if err := d.editSlot(ctx, collab, mb.channelID, &old[i], pages[i]); err != nil {
					return err
				}
			}
		}
		newMessages := make([]messageSlot, len(pages))
		copy(newMessages, old)
		for i := len(old); i < len(pages); i++ {
			handle, err := collab.Send(ctx, mb.channelID, pages[i])
			if err != nil {
				if isTransient(err) {
					return ErrYield
				}
				d.logf("failed to send overflow page", err)
				continue
			}
			newMessages[i] = messageSlot{handle: handle, content: pages[i]}
		}
		mb.messages = newMessages
		return nil

	default:
		return d.applyShrink(ctx, collab, mb, pages)
	}
}

// applyShrink handles new content with fewer pages than existing messages:
// reuse by content match first, then edit remaining slots in order, then
// delete the surplus.
func (d *Dispatcher) applyShrink(ctx context.Context, collab platform.Collaborator, mb *MutableBundle, pages []string) error {
	old := mb.messages
	used := make([]bool, len(old))
	newMessages := make([]messageSlot, len(pages))

	for i, content := range pages {
		for j := range old {
			if !used[j] && old[j].content == content {
				used[j] = true
				newMessages[i] = old[j]
				break
			}
		}
	}

	oldIdx := 0
	for i := range newMessages {
		if newMessages[i].handle != "" {
			continue
		}
		for oldIdx < len(old) && used[oldIdx] {
			oldIdx++
		}
		if oldIdx < len(old) {
			if err := d.editSlot(ctx, collab, mb.channelID, &old[oldIdx], pages[i]); err != nil {
				return err
			}
			used[oldIdx] = true
			newMessages[i] = old[oldIdx]
			oldIdx++
			continue
		}
		handle, err := collab.Send(ctx, mb.channelID, pages[i])
		if err != nil {
			if isTransient(err) {
				return ErrYield
			}
			d.logf("failed to send shrink-replacement page", err)
			continue
		}
		newMessages[i] = messageSlot{handle: handle, content: pages[i]}
	}

	for j, wasUsed := range used {
		if wasUsed {
			continue
		}
		if err := collab.Delete(ctx, mb.channelID, old[j].handle); err != nil && !isNotFound(err) {
			if isTransient(err) {
				return ErrYield
			}
			d.logf("failed to delete surplus message", err)
		}
	}

	mb.messages = newMessages
	return nil
}

func (d *Dispatcher) editSlot(ctx context.Context, collab platform.Collaborator, channelID string, slot *messageSlot, content string) error {
	if slot.handle == "" {
		handle, err := collab.Send(ctx, channelID, content)
		if err != nil {
			if isTransient(err) {
				return ErrYield
			}
			d.logf("failed to resend forgotten message", err)
			return nil
		}
		slot.handle = handle
		slot.content = content
		return nil
	}
	if err := collab.Edit(ctx, channelID, slot.handle, content); err != nil {
		if isNotFound(err) {
			// Handle forgotten; the next dispatch of this bundle sends a fresh
			// message for this slot since content no longer matches.
			slot.handle = ""
			slot.content = ""
			return nil
		}
		if isTransient(err) {
			return ErrYield
		}
		d.logf("failed to edit message", err)
		return nil
	}
	slot.content = content
	return nil
}

// enforceSticky resends the whole bundle from scratch if another message
// has been posted beneath it since the last dispatch (spec §4.7 rule 4).
func (d *Dispatcher) enforceSticky(ctx context.Context, collab platform.Collaborator, mb *MutableBundle, pages []string) error {
	recent, err := collab.FetchRecent(ctx, mb.channelID, d.stickyRecentWindow)
	if err != nil {
		if isTransient(err) {
			return ErrYield
		}
		d.logf("failed to fetch recent messages for sticky check", err)
		return nil
	}
	if len(recent) == 0 {
		return nil
	}

	own := make(map[platform.MessageHandle]bool, len(mb.messages))
	for _, slot := range mb.messages {
		own[slot.handle] = true
	}
	if own[recent[0]] {
		return nil
	}

	for _, slot := range mb.messages {
		if err := collab.Delete(ctx, mb.channelID, slot.handle); err != nil && !isNotFound(err) {
			d.logf("failed to delete message during sticky resend", err)
		}
	}

	newMessages := make([]messageSlot, 0, len(pages))
	for _, content := range pages {
		handle, err := collab.Send(ctx, mb.channelID, content)
		if err != nil {
			if isTransient(err) {
				return ErrYield
			}
			d.logf("failed to resend page during sticky re-anchor", err)
			continue
		}
		newMessages = append(newMessages, messageSlot{handle: handle, content: content})
	}
	mb.messages = newMessages
	return nil
}

func isNotFound(err error) bool {
	var nf *platform.NotFoundError
	return errors.As(err, &nf)
}

func isTransient(err error) bool {
	var te *platform.TransientError
	return errors.As(err, &te)
}

func (d *Dispatcher) logf(msg string, err error) {
	if d.logger != nil {
		d.logger.Warn(msg, map[string]interface{}{"error": err.Error()})
	}
}
