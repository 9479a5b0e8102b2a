package model

import "time"

// SubscriptionStatus は購読の実行状態を表す。
type SubscriptionStatus string

const (
	SubscriptionStatusIdle     SubscriptionStatus = "idle"
	SubscriptionStatusRunning  SubscriptionStatus = "running"
	SubscriptionStatusFinished SubscriptionStatus = "finished"
	SubscriptionStatusError    SubscriptionStatus = "error"
)

// Subscription は外部サイトの定期監視ルールを表す。
// Intervalは作成時に検証済みであることが前提。
type Subscription struct {
	ID           int64
	Site         Site
	Tags         []string
	TagBlacklist []string
	Limit        int
	Interval     string
	NextRun      time.Time
	Status       SubscriptionStatus
	Paused       bool
	LastError    string
	Runs         []*Run
	RunCount     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunStatus はRunの状態機械の状態を表す。
//
//	pending → fetching → ingesting → (fetching | finished | failed)
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusFetching  RunStatus = "fetching"
	RunStatusIngesting RunStatus = "ingesting"
	RunStatusFinished  RunStatus = "finished"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal は終端状態かどうかを返す。
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

// Run は購読の1回分の実行を表す。
// Run Executorのみが更新する。
type Run struct {
	ID                 int64
	SubscriptionID     int64
	Site               Site
	Tags               []string
	Status             RunStatus
	Cursor             string
	PageNumber         int
	DownloadedURLCount int
	SkippedURLCount    int
	FailedURLCount     int
	Finished           bool
	FinishedAt         *time.Time
	Cancelled          bool
	Error              string
	Logs               []*Log
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Seen はこのRunで処理したURLの総数を返す。
func (r *Run) Seen() int {
	return r.DownloadedURLCount + r.SkippedURLCount + r.FailedURLCount
}

// Count はログの結果に応じてカウンタを1つ進める。
func (r *Run) Count(status LogStatus) {
	switch status {
	case LogStatusDownloaded:
		r.DownloadedURLCount++
	case LogStatusSkipped:
		r.SkippedURLCount++
	case LogStatusFailed:
		r.FailedURLCount++
	}
}

// LogStatus はURL単位の処理結果を表す。
type LogStatus string

const (
	LogStatusDownloaded LogStatus = "downloaded"
	LogStatusSkipped    LogStatus = "skipped"
	LogStatusFailed     LogStatus = "failed"
)

// Log はRun内での1URLの処理結果を表す。
type Log struct {
	ID        string
	RunID     int64
	URL       string
	Status    LogStatus
	FileID    *int64
	Reason    string
	File      *File
	CreatedAt time.Time
	UpdatedAt time.Time
}
