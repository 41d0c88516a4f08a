package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/guildmix/internal/model"
)

func addN(b *Bundle, n int) []*model.MediaRequest {
	reqs := make([]*model.MediaRequest, n)
	for i := 0; i < n; i++ {
		req := model.NewMediaRequest("g", "c", "u", "U", "song", model.SearchFreeText)
		reqs[i] = req
		b.AddRequest(req, model.StageSearching)
	}
	return reqs
}

func TestFreezeAssignsStablePositions(t *testing.T) {
	b := New("g", "c", "play songs", 2000)
	reqs := addN(b, 5)
	b.Freeze()

	before := make([]model.BundleRow, len(b.rows))
	copy(before, b.rows)

	_ = b.Update(reqs[2].ID, model.StageCompleted, "")
	_ = b.Update(reqs[0].ID, model.StageFailed, "network error")

	for i, row := range b.rows {
		assert.Equal(t, before[i].PageIndex, row.PageIndex)
		assert.Equal(t, before[i].RowInPage, row.RowInPage)
	}
}

func TestSingleRowFreezeYieldsOnePage(t *testing.T) {
	b := New("g", "c", "song", 2000)
	reqs := addN(b, 1)
	b.Freeze()
	assert.Equal(t, 0, b.rows[0].PageIndex)
	assert.Equal(t, 0, b.rows[0].RowInPage)
	_ = reqs
}

func TestCountersNeverExceedTotalAndFinishExactlyOnce(t *testing.T) {
	b := New("g", "c", "songs", 2000)
	reqs := addN(b, 3)
	b.Freeze()

	assert.False(t, b.AllCounted())

	_ = b.Update(reqs[0].ID, model.StageCompleted, "")
	total, completed, failed, discarded := b.Counters()
	assert.LessOrEqual(t, completed+failed+discarded, total)
	assert.False(t, b.AllCounted())

	_ = b.Update(reqs[1].ID, model.StageFailed, "terminal")
	_ = b.Update(reqs[2].ID, model.StageDiscarded, "")

	assert.True(t, b.AllCounted())
	finishedFirst := b.FinishedAt()
	require.NotNil(t, finishedFirst)

	assert.True(t, b.AllCounted())
	assert.Equal(t, finishedFirst, b.FinishedAt())
}

func TestRenderIdempotentOnUnchangedState(t *testing.T) {
	b := New("g", "c", "songs", 2000)
	addN(b, 3)
	b.Freeze()

	first := b.Render()
	second := b.Render()
	assert.Equal(t, first, second)
}

func TestCompletedRowsRenderBlank(t *testing.T) {
	b := New("g", "c", "songs", 2000)
	reqs := addN(b, 2)
	b.Freeze()
	_ = b.Update(reqs[0].ID, model.StageCompleted, "")

	pages := b.Render()
	require.Len(t, pages, 1)
	assert.Contains(t, pages[0], "\n")
}

func TestManyRowsSplitAcrossPagesUnderCharLimit(t *testing.T) {
	b := New("g", "c", "big playlist", 80)
	addN(b, 20)
	b.Freeze()

	maxPage := 0
	for _, row := range b.rows {
		if row.PageIndex > maxPage {
			maxPage = row.PageIndex
		}
	}
	assert.Greater(t, maxPage, 0)
}
