package controllers

import (
	"encoding/json"

	"github.com/datallboy/songq/internal/domain"
)

// EnqueueRequest is the body of POST /api/downloads
type EnqueueRequest struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Artist string          `json:"artist"`
	Source json.RawMessage `json:"source"`
}

func (r EnqueueRequest) ToDomain() domain.Request {
	return domain.Request{
		ID:     r.ID,
		Name:   r.Name,
		Artist: r.Artist,
		Source: r.Source,
	}
}

// QueueResponse is the full queue view, lists in their display order.
type QueueResponse struct {
	Queued        []domain.DownloadItem `json:"queued"`
	Active        []domain.DownloadItem `json:"active"`
	Completed     []domain.DownloadItem `json:"completed"`
	Failed        []domain.DownloadItem `json:"failed"`
	MaxConcurrent int                   `json:"max_concurrent"`
}

type ConcurrencyRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

type ConcurrencyResponse struct {
	MaxConcurrent int `json:"max_concurrent"`
}

type LibraryResponse struct {
	Songs []*domain.Song `json:"songs"`
}
