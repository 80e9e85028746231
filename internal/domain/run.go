package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Stage 流水线阶段
type Stage string

const (
	StageMetadata    Stage = "metadata"
	StageFingerprint Stage = "fingerprint"
	StageFill        Stage = "fill"
	StageBuild       Stage = "build"
	StageInject      Stage = "inject"
	StageSign        Stage = "sign"
	StageCopy        Stage = "copy"
	StageInstall     Stage = "install"
	StageCleanup     Stage = "cleanup"
)

// Run 一次保护运行的记录
type Run struct {
	ID            string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName       string      `gorm:"type:varchar(255);not null" json:"apk_name"`
	InputPath     string      `gorm:"type:varchar(1024);not null" json:"input_path"`
	OutputPath    string      `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	PackageName   string      `gorm:"type:varchar(255);index:idx_package" json:"package_name,omitempty"`
	MainActivity  string      `gorm:"type:varchar(500)" json:"main_activity,omitempty"`
	Fingerprint   string      `gorm:"type:varchar(64)" json:"fingerprint,omitempty"`
	Architectures string      `gorm:"type:varchar(255)" json:"architectures,omitempty"` // 逗号分隔
	Status        RunStatus   `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	CurrentStage  Stage       `gorm:"type:varchar(30)" json:"current_stage,omitempty"`
	FailureType   FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage  string      `gorm:"type:text" json:"error_message,omitempty"`
	InstallResult string      `gorm:"type:text" json:"install_result,omitempty"`
	Attempts      int         `gorm:"default:0" json:"attempts"`
	DurationMs    int64       `json:"duration_ms"`
	CreatedAt     time.Time   `gorm:"not null" json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

func (Run) TableName() string {
	return "protect_runs"
}

// IsFinished 运行是否已经结束
func (r *Run) IsFinished() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// RunEvent 运行的阶段事件
type RunEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"type:varchar(36);not null;index:idx_run" json:"run_id"`
	Stage     Stage     `gorm:"type:varchar(30);not null" json:"stage"`
	Status    string    `gorm:"type:varchar(20);not null" json:"status"`
	Message   string    `gorm:"type:text" json:"message,omitempty"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (RunEvent) TableName() string {
	return "protect_run_events"
}
