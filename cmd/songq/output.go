package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/datallboy/songq/internal/api/controllers"
	"github.com/datallboy/songq/internal/domain"
	"github.com/dustin/go-humanize"
)

const barWidth = 20

// progressBar draws [=====>      ]  42%
func progressBar(percent int) string {
	percent = max(0, min(percent, 100))
	done := percent * barWidth / 100
	bar := strings.Repeat("=", done)
	if done < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-done-1)
	}
	return fmt.Sprintf("[%s] %3d%%", bar, percent)
}

func sizeLabel(it domain.DownloadItem) string {
	switch {
	case it.ByteSize > 0 && it.Status == domain.StatusActive:
		return fmt.Sprintf("%s / %s", humanize.Bytes(uint64(it.BytesReceived)), humanize.Bytes(uint64(it.ByteSize)))
	case it.ByteSize > 0:
		return humanize.Bytes(uint64(it.ByteSize))
	case it.BytesReceived > 0:
		return humanize.Bytes(uint64(it.BytesReceived))
	default:
		return "-"
	}
}

func whenLabel(it domain.DownloadItem, now time.Time) string {
	var t time.Time
	switch {
	case it.FinishedAt != nil:
		t = *it.FinishedAt
	case it.StartedAt != nil:
		t = *it.StartedAt
	default:
		t = it.AddedAt
	}
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func detailLabel(it domain.DownloadItem) string {
	if it.FailureReason == "" {
		return ""
	}
	if it.FailureDetail == "" {
		return string(it.FailureReason)
	}
	return fmt.Sprintf("%s: %s", it.FailureReason, it.FailureDetail)
}

func titleLabel(it domain.DownloadItem) string {
	switch {
	case it.Artist != "" && it.Name != "":
		return it.Artist + " - " + it.Name
	case it.Name != "":
		return it.Name
	default:
		return it.ID
	}
}

func buildQueueRows(resp *controllers.QueueResponse, now time.Time) [][]string {
	var rows [][]string
	sections := [][]domain.DownloadItem{resp.Active, resp.Queued, resp.Failed, resp.Completed}
	for _, items := range sections {
		for _, it := range items {
			rows = append(rows, []string{
				it.ID,
				titleLabel(it),
				string(it.Status),
				progressBar(it.Progress),
				sizeLabel(it),
				whenLabel(it, now),
				detailLabel(it),
			})
		}
	}
	return rows
}

func renderQueue(resp *controllers.QueueResponse, now time.Time) string {
	summary := fmt.Sprintf("%d active (max %d), %d queued, %d completed, %d failed\n",
		len(resp.Active), resp.MaxConcurrent, len(resp.Queued), len(resp.Completed), len(resp.Failed))

	rows := buildQueueRows(resp, now)
	if len(rows) == 0 {
		return summary + "Queue is empty\n"
	}

	return summary + renderTable(
		[]string{"ID", "Title", "Status", "Progress", "Size", "When", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
