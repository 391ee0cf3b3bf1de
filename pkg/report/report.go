package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"verifier/pkg/models"
)

// Source is anything that can enumerate the stored requests.
type Source interface {
	ForEach(ctx context.Context, fn func(rec *models.Record) error) error
}

type Entry struct {
	Key         string        `json:"key"`
	MessageID   string        `json:"message_id"`
	AccountID   string        `json:"account_id"`
	RequesterID string        `json:"requester_id"`
	Status      models.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Waited      time.Duration `json:"waited_ns"`
	WaitedHuman string        `json:"waited"`
	Attempts    int           `json:"attempts,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

type Group struct {
	Type     models.RequestType    `json:"type"`
	Count    int                   `json:"count"`
	ByStatus map[models.Status]int `json:"by_status"`
	Entries  []Entry               `json:"entries"`
}

// Report is a read-only view of the queue at GeneratedAt.
type Report struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Total       int                   `json:"total"`
	ByStatus    map[models.Status]int `json:"by_status"`
	Groups      []Group               `json:"groups"`
}

// Build walks src once and groups entries by type, oldest first.
func Build(ctx context.Context, src Source, now time.Time) (*Report, error) {
	r := &Report{GeneratedAt: now, ByStatus: map[models.Status]int{}}
	groups := map[models.RequestType]*Group{}
	err := src.ForEach(ctx, func(rec *models.Record) error {
		g, ok := groups[rec.Type]
		if !ok {
			g = &Group{Type: rec.Type, ByStatus: map[models.Status]int{}}
			groups[rec.Type] = g
		}
		// processed entries stopped waiting when they were answered
		end := now
		if rec.Status == models.StatusProcessed && !rec.UpdatedAt.IsZero() {
			end = rec.UpdatedAt
		}
		waited := end.Sub(rec.Timestamp)
		if waited < 0 {
			waited = 0
		}
		g.Entries = append(g.Entries, Entry{
			Key:         rec.ID().Key(),
			MessageID:   rec.Snapshot.MessageID,
			AccountID:   rec.Snapshot.AccountID,
			RequesterID: rec.Snapshot.RequesterID,
			Status:      rec.Status,
			CreatedAt:   rec.Timestamp,
			Waited:      waited,
			WaitedHuman: strings.TrimSpace(humanize.RelTime(rec.Timestamp, end, "", "")),
			Attempts:    rec.Attempts,
			LastError:   rec.LastError,
		})
		g.Count++
		g.ByStatus[rec.Status]++
		r.ByStatus[rec.Status]++
		r.Total++
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range models.RequestTypes {
		if g, ok := groups[t]; ok {
			sort.SliceStable(g.Entries, func(i, j int) bool {
				return g.Entries[i].CreatedAt.Before(g.Entries[j].CreatedAt)
			})
			r.Groups = append(r.Groups, *g)
		}
	}
	return r, nil
}

// WriteText renders the report for a terminal.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	if r.Total == 0 {
		b.WriteString("no requests\n")
		_, err := io.WriteString(w, b.String())
		return err
	}
	fmt.Fprintf(&b, "%s requests (%s)\n", humanize.Comma(int64(r.Total)), statusLine(r.ByStatus))
	for _, g := range r.Groups {
		fmt.Fprintf(&b, "\n%s: %d (%s)\n", g.Type, g.Count, statusLine(g.ByStatus))
		for _, e := range g.Entries {
			fmt.Fprintf(&b, "  %-10s %-24s account=%s requester=%s waited %s",
				e.Status, e.MessageID, e.AccountID, e.RequesterID, e.WaitedHuman)
			if e.Attempts > 0 {
				fmt.Fprintf(&b, " attempts=%d", e.Attempts)
			}
			if e.LastError != "" {
				fmt.Fprintf(&b, " last_error=%q", e.LastError)
			}
			b.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func statusLine(m map[models.Status]int) string {
	parts := make([]string, 0, 3)
	for _, s := range []models.Status{models.StatusPending, models.StatusProcessing, models.StatusProcessed} {
		if n := m[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	return strings.Join(parts, ", ")
}
