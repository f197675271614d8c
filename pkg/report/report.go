package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/pkg/email"
)

const DailyReportTask = "daily_report"

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error)
}

type Request struct {
	Recipients []string `json:"recipients"`
}

type Summary struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Counts      map[domain.TaskStatus]int64 `json:"counts"`
	Total       int64                       `json:"total"`
}

type DailyReport struct {
	counter StatusCounter
	sender  email.Sender
	from    string
	// NowFunc is injected so that the generated_at field can be fixed in tests
	NowFunc func() time.Time
}

// NewDailyReport builds the daily_report handler. The summary is mailed to the payload recipients when a sender is given.
func NewDailyReport(counter StatusCounter, sender email.Sender, from string) *DailyReport {
	if from == "" {
		from = email.DefaultFromAddress
	}

	return &DailyReport{
		counter: counter,
		sender:  sender,
		from:    from,
		NowFunc: time.Now,
	}
}

func (r *DailyReport) Execute(ctx context.Context, payload []byte) domain.TaskOutcome {
	var req Request
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &req); err != nil {
			return domain.Fatal(fmt.Errorf("invalid payload: %w", err))
		}
	}

	counts, err := r.counter.CountByStatus(ctx)
	if err != nil {
		slog.Warn("Error occurred while counting task results", "error", err)
		return domain.Retryable(err)
	}

	summary := Summary{
		GeneratedAt: r.NowFunc().UTC(),
		Counts:      counts,
	}
	for _, n := range counts {
		summary.Total += n
	}
	slog.Info("Daily report is generated", "total", summary.Total, "counts", counts)

	if len(req.Recipients) > 0 && r.sender != nil {
		msg := email.Message{
			From:    r.from,
			To:      req.Recipients,
			Subject: "Daily task report " + summary.GeneratedAt.Format(time.DateOnly),
			Body:    formatSummary(summary),
		}
		if err := r.sender.Send(ctx, msg); err != nil {
			if email.IsPermanent(err) {
				return domain.Fatal(err)
			}
			return domain.Retryable(err)
		}
	}

	return domain.Succeeded(summary)
}

func formatSummary(s Summary) string {
	statuses := make([]string, 0, len(s.Counts))
	for status := range s.Counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	var b strings.Builder
	for _, status := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", status, s.Counts[domain.TaskStatus(status)])
	}
	fmt.Fprintf(&b, "TOTAL: %d\n", s.Total)

	return b.String()
}
