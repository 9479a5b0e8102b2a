package handler

import (
	"time"

	"github.com/hitoshi/tagvault/internal/model"
)

// tagResponse はタグのAPIレスポンス。
type tagResponse struct {
	ID        int64  `json:"id"`
	Namespace string `json:"namespace"`
	Value     string `json:"value"`
	Count     int    `json:"count,omitempty"`
}

// sourceResponse はソースURLのAPIレスポンス。
type sourceResponse struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Site   string `json:"site"`
	Status string `json:"status"`
}

// fileResponse はファイルのAPIレスポンス。
type fileResponse struct {
	ID        int64            `json:"id"`
	Hash      string           `json:"hash"`
	Filename  string           `json:"filename"`
	Size      int64            `json:"size"`
	MimeType  string           `json:"mime_type"`
	Rating    string           `json:"rating"`
	Status    string           `json:"status"`
	Tags      []tagResponse    `json:"tags"`
	Sources   []sourceResponse `json:"sources"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func toTagResponses(tags []model.Tag) []tagResponse {
	out := make([]tagResponse, 0, len(tags))
	for _, t := range tags {
		out = append(out, tagResponse{ID: t.ID, Namespace: t.Namespace, Value: t.Value, Count: t.Count})
	}
	return out
}

func toFileResponse(f *model.File) fileResponse {
	sources := make([]sourceResponse, 0, len(f.Sources))
	for _, s := range f.Sources {
		sources = append(sources, sourceResponse{ID: s.ID, URL: s.URL, Site: string(s.Site), Status: string(s.Status)})
	}
	return fileResponse{
		ID:        f.ID,
		Hash:      f.Hash,
		Filename:  f.Filename,
		Size:      f.Size,
		MimeType:  f.MimeType,
		Rating:    string(f.Rating),
		Status:    string(f.Status),
		Tags:      toTagResponses(f.Tags),
		Sources:   sources,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

func toFileResponses(files []*model.File) []fileResponse {
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, toFileResponse(f))
	}
	return out
}

// logResponse はRunログのAPIレスポンス。
type logResponse struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	FileID    *int64        `json:"file_id,omitempty"`
	File      *fileResponse `json:"file,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// runResponse はRunのAPIレスポンス。
type runResponse struct {
	ID                 int64         `json:"id"`
	SubscriptionID     int64         `json:"subscription_id"`
	Site               string        `json:"site"`
	Tags               []string      `json:"tags"`
	Status             string        `json:"status"`
	PageNumber         int           `json:"page_number"`
	DownloadedURLCount int           `json:"downloaded_url_count"`
	SkippedURLCount    int           `json:"skipped_url_count"`
	FailedURLCount     int           `json:"failed_url_count"`
	Finished           bool          `json:"finished"`
	FinishedAt         *time.Time    `json:"finished_at,omitempty"`
	Cancelled          bool          `json:"cancelled"`
	Error              string        `json:"error,omitempty"`
	Logs               []logResponse `json:"logs,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

func toRunResponse(run *model.Run) runResponse {
	resp := runResponse{
		ID:                 run.ID,
		SubscriptionID:     run.SubscriptionID,
		Site:               string(run.Site),
		Tags:               run.Tags,
		Status:             string(run.Status),
		PageNumber:         run.PageNumber,
		DownloadedURLCount: run.DownloadedURLCount,
		SkippedURLCount:    run.SkippedURLCount,
		FailedURLCount:     run.FailedURLCount,
		Finished:           run.Finished,
		FinishedAt:         run.FinishedAt,
		Cancelled:          run.Cancelled,
		Error:              run.Error,
		CreatedAt:          run.CreatedAt,
	}
	for _, l := range run.Logs {
		lr := logResponse{
			ID:        l.ID,
			URL:       l.URL,
			Status:    string(l.Status),
			Reason:    l.Reason,
			FileID:    l.FileID,
			CreatedAt: l.CreatedAt,
		}
		if l.File != nil {
			f := toFileResponse(l.File)
			lr.File = &f
		}
		resp.Logs = append(resp.Logs, lr)
	}
	return resp
}

// subscriptionResponse は購読のAPIレスポンス。
type subscriptionResponse struct {
	ID           int64         `json:"id"`
	Site         string        `json:"site"`
	Tags         []string      `json:"tags"`
	TagBlacklist []string      `json:"tag_blacklist"`
	Limit        int           `json:"limit"`
	Interval     string        `json:"interval"`
	NextRun      time.Time     `json:"next_run"`
	Status       string        `json:"status"`
	Paused       bool          `json:"paused"`
	LastError    string        `json:"last_error,omitempty"`
	RunCount     int           `json:"run_count"`
	Runs         []runResponse `json:"runs,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func toSubscriptionResponse(sub *model.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:           sub.ID,
		Site:         string(sub.Site),
		Tags:         sub.Tags,
		TagBlacklist: sub.TagBlacklist,
		Limit:        sub.Limit,
		Interval:     sub.Interval,
		NextRun:      sub.NextRun,
		Status:       string(sub.Status),
		Paused:       sub.Paused,
		LastError:    sub.LastError,
		RunCount:     sub.RunCount,
		CreatedAt:    sub.CreatedAt,
		UpdatedAt:    sub.UpdatedAt,
	}
	if resp.TagBlacklist == nil {
		resp.TagBlacklist = []string{}
	}
	for _, run := range sub.Runs {
		resp.Runs = append(resp.Runs, toRunResponse(run))
	}
	return resp
}
