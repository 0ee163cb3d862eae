package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
)

// Terminal は終端状態（finished / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// LogEntry はジョブの履歴ログ1件を表します。
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Record はジョブの現在状態を表します。
// Result と Error は排他で、それぞれ finished / failed のときのみ設定されます。
type Record struct {
	ID           string     `json:"jobId"`
	Status       Status     `json:"status"`
	Filename     string     `json:"filename,omitempty"`
	InputPath    string     `json:"inputPath,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Result       any        `json:"result,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	Logs         []LogEntry `json:"logs,omitempty"`
	WorkerPID    int        `json:"workerPid,omitempty"`
	DeploymentID string     `json:"deploymentId,omitempty"`
}

// AppendLog は履歴ログを1件追加します。
func (r *Record) AppendLog(now time.Time, message string) {
	r.Logs = append(r.Logs, LogEntry{Timestamp: now.UTC(), Message: message})
}
