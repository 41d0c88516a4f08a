// Package progress implements ProgressBundle: a user-visible grouping of
// 1..N MediaRequests with frozen pagination and minimal-edit-friendly
// rendering. Grounded on the teacher's pkg/common/queue.go
// GetQueueStatusEmbed rendering idea, generalized from a single live embed
// into the frozen multi-page model spec §4.6 requires.
package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latoulicious/guildmix/internal/model"
)

// Bundle is a ProgressBundle.
type Bundle struct {
	mu sync.Mutex

	ID        uuid.UUID
	GuildID   string
	ChannelID string
	InputText string

	rows          []model.BundleRow
	frozen        bool
	finishedAt    *time.Time
	pageCharLimit int
}

// New creates an unfrozen Bundle for one user-visible command.
func New(guildID, channelID, inputText string, pageCharLimit int) *Bundle {
	return &Bundle{
		ID:            uuid.New(),
		GuildID:       guildID,
		ChannelID:     channelID,
		InputText:     inputText,
		pageCharLimit: pageCharLimit,
	}
}

// AddRequest appends a new row for req. Must be called before Freeze.
func (b *Bundle) AddRequest(req *model.MediaRequest, initialStage model.LifecycleStage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, model.BundleRow{
		RequestID: req.ID,
		Display:   displayTextFor(req),
		Stage:     initialStage,
	})
}

// Freeze assigns each row's permanent (page_index, row_in_page) slot and
// marks the bundle immutable with respect to row insertion. Idempotent.
func (b *Bundle) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}

	pageIndex, rowInPage, used := 0, 0, 0
	for i := range b.rows {
		line := b.renderRowLocked(i)
		cost := len(line) + 1 // account for the trailing newline

		if rowInPage > 0 && used+cost > b.pageCharLimit {
			pageIndex++
			rowInPage = 0
			used = 0
		}

		b.rows[i].PageIndex = pageIndex
		b.rows[i].RowInPage = rowInPage
		b.rows[i].PositionSet = true

		rowInPage++
		used += cost
	}

	b.frozen = true
}

// Frozen reports whether Freeze has been called.
func (b *Bundle) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Update edits a row's stage (and optional failure reason) in place.
// Pagination slots never change after Freeze.
func (b *Bundle) Update(requestID uuid.UUID, newStage model.LifecycleStage, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.rows {
		if b.rows[i].RequestID == requestID {
			b.rows[i].Stage = newStage
			b.rows[i].FailReason = reason
			return nil
		}
	}
	return fmt.Errorf("progress: no row for request %s", requestID)
}

// Counters returns (total, completed, failed, discarded), recomputed from
// scratch every call per spec §4.6 (O(N), acceptable since N is bundle
// size).
func (b *Bundle) Counters() (total, completed, failed, discarded int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countersLocked()
}

func (b *Bundle) countersLocked() (total, completed, failed, discarded int) {
	total = len(b.rows)
	for _, row := range b.rows {
		switch row.Stage {
		case model.StageCompleted:
			completed++
		case model.StageFailed:
			failed++
		case model.StageDiscarded:
			discarded++
		}
	}
	return
}

// AllCounted reports whether completed+failed+discarded == total, and sets
// FinishedAt the first time that becomes true.
func (b *Bundle) AllCounted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, completed, failed, discarded := b.countersLocked()
	done := total > 0 && completed+failed+discarded == total
	if done && b.finishedAt == nil {
		now := time.Now()
		b.finishedAt = &now
	}
	return done
}

// FinishedAt returns the timestamp AllCounted first became true, or nil.
func (b *Bundle) FinishedAt() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedAt
}

// Render returns one string per page, in page order. COMPLETED rows render
// as blank lines in place of their text to preserve vertical alignment.
func (b *Bundle) Render() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows) == 0 {
		return []string{fmt.Sprintf("Processing '%s'", b.InputText)}
	}

	pageCount := 0
	for _, row := range b.rows {
		if row.PageIndex+1 > pageCount {
			pageCount = row.PageIndex + 1
		}
	}
	if pageCount == 0 {
		pageCount = 1
	}

	type slot struct {
		row *model.BundleRow
	}
	pages := make([][]slot, pageCount)
	for i := range b.rows {
		row := &b.rows[i]
		pages[row.PageIndex] = growSlots(pages[row.PageIndex], row.RowInPage+1)
		pages[row.PageIndex][row.RowInPage] = slot{row: row}
	}

	total, completed, failed, discarded := b.countersLocked()
	out := make([]string, pageCount)
	for p, slots := range pages {
		lines := make([]string, len(slots))
		for i, s := range slots {
			if s.row == nil {
				continue
			}
			if s.row.Stage == model.StageCompleted {
				lines[i] = ""
				continue
			}
			lines[i] = formatRow(*s.row)
		}
		body := strings.Join(lines, "\n")

		if p == pageCount-1 && total > 0 && completed+failed+discarded == total {
			body += fmt.Sprintf("\n\nCompleted processing of '%s': %d/%d media_requests processed, %d failed",
				b.InputText, completed, total, failed)
		}
		out[p] = body
	}
	return out
}

func (b *Bundle) renderRowLocked(i int) string {
	return formatRow(b.rows[i])
}

func formatRow(row model.BundleRow) string {
	if row.Stage == model.StageFailed && row.FailReason != "" {
		return fmt.Sprintf("[%s] %s — %s", row.Stage, row.Display, row.FailReason)
	}
	return fmt.Sprintf("[%s] %s", row.Stage, row.Display)
}

func displayTextFor(req *model.MediaRequest) string {
	if req.ResolvedSearch != "" {
		return req.ResolvedSearch
	}
	return req.RawSearch
}

func growSlots[T any](s []T, n int) []T {
	for len(s) < n {
		s = append(s, *new(T))
	}
	return s
}
