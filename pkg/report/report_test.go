package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifier/pkg/models"
)

type sliceSource []*models.Record

func (s sliceSource) ForEach(_ context.Context, fn func(rec *models.Record) error) error {
	for _, r := range s {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func rec(typ models.RequestType, msg string, status models.Status, created, updated time.Time) *models.Record {
	return &models.Record{
		Type:      typ,
		Timestamp: created,
		Status:    status,
		UpdatedAt: updated,
		Snapshot:  models.Snapshot{Type: typ, AccountID: "A", RequesterID: "u-" + msg, MessageID: msg},
	}
}

func TestBuild(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	src := sliceSource{
		rec(models.RequestGroupJoin, "j1", models.StatusPending, now.Add(-2*time.Hour), time.Time{}),
		rec(models.RequestContact, "c2", models.StatusPending, now.Add(-30*time.Minute), time.Time{}),
		rec(models.RequestContact, "c1", models.StatusProcessed, now.Add(-3*time.Hour), now.Add(-1*time.Hour)),
	}

	r, err := Build(context.Background(), src, now)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 2, r.ByStatus[models.StatusPending])
	assert.Equal(t, 1, r.ByStatus[models.StatusProcessed])

	require.Len(t, r.Groups, 2)
	contact := r.Groups[0]
	assert.Equal(t, models.RequestContact, contact.Type)
	assert.Equal(t, 2, contact.Count)
	require.Len(t, contact.Entries, 2)
	assert.Equal(t, "c1", contact.Entries[0].MessageID, "oldest first")
	assert.Equal(t, 2*time.Hour, contact.Entries[0].Waited, "processed entries stop waiting when answered")
	assert.Equal(t, 30*time.Minute, contact.Entries[1].Waited)

	join := r.Groups[1]
	assert.Equal(t, models.RequestGroupJoin, join.Type)
	assert.Equal(t, "2 hours", join.Entries[0].WaitedHuman)
}

func TestWriteText(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	failed := rec(models.RequestGroupInvite, "g1", models.StatusPending, now.Add(-time.Hour), time.Time{})
	failed.Attempts = 2
	failed.LastError = "account not live"

	r, err := Build(context.Background(), sliceSource{failed}, now)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "1 requests (1 pending)")
	assert.Contains(t, out, "group-invite: 1")
	assert.Contains(t, out, "attempts=2")
	assert.Contains(t, out, `last_error="account not live"`)

	empty, err := Build(context.Background(), sliceSource{}, now)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, empty.WriteText(&buf))
	assert.Equal(t, "no requests\n", buf.String())
}
