package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryWindowRepo struct {
	rows []TimelineRow
}

func (r *memoryWindowRepo) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	matched := make([]TimelineRow, 0, len(r.rows))
	for _, row := range r.rows {
		if filters.Actor != "" && row.Actor != filters.Actor {
			continue
		}
		if filters.Entity != "" && row.Entity != filters.Entity {
			continue
		}
		matched = append(matched, row)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func seedRows(n int) []TimelineRow {
	rows := make([]TimelineRow, 0, n)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		actor := "nurse-1"
		if i%2 == 0 {
			actor = "pharm-1"
		}
		rows = append(rows, TimelineRow{
			ID:       int64(n - i),
			At:       base.Add(-time.Duration(i) * time.Minute),
			Actor:    actor,
			Action:   "stock:administer",
			Entity:   "stock_batch",
			EntityID: "1",
		})
	}
	return rows
}

func TestTimelinePaging(t *testing.T) {
	repo := &memoryWindowRepo{rows: seedRows(45)}
	svc := NewService(repo)
	ctx := context.Background()

	page, err := svc.Timeline(ctx, TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, page.Rows, 20)
	require.True(t, page.Paging.HasNext)
	require.Equal(t, 1, page.Paging.Page)
	require.Zero(t, page.Paging.PrevPage)
	require.Equal(t, 2, page.Paging.NextPage)

	page, err = svc.Timeline(ctx, TimelineFilters{Page: 3})
	require.NoError(t, err)
	require.Len(t, page.Rows, 5)
	require.False(t, page.Paging.HasNext)
	require.Equal(t, 2, page.Paging.PrevPage)
	require.Zero(t, page.Paging.NextPage)
}

func TestTimelineFiltersAndSizeCap(t *testing.T) {
	repo := &memoryWindowRepo{rows: seedRows(45)}
	svc := NewService(repo)
	ctx := context.Background()

	page, err := svc.Timeline(ctx, TimelineFilters{Actor: "nurse-1", PageSize: 50})
	require.NoError(t, err)
	require.Len(t, page.Rows, 22)
	for _, row := range page.Rows {
		require.Equal(t, "nurse-1", row.Actor)
	}

	page, err = svc.Timeline(ctx, TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, 100, page.Paging.PageSize)
}
