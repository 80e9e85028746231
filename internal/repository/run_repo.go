package repository

import (
	"context"
	"errors"
	"time"

	"github.com/droidgrity/droidgrity-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrRunNotFound 运行记录不存在
var ErrRunNotFound = errors.New("run not found")

type RunRepository interface {
	Create(ctx context.Context, run *domain.Run) error
	Update(ctx context.Context, run *domain.Run) error
	FindByID(ctx context.Context, id string) (*domain.Run, error)
	List(ctx context.Context, page, pageSize int, status domain.RunStatus) ([]*domain.Run, int64, error)
	ListByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Run, error)
	Delete(ctx context.Context, id string) error
	// 阶段推进
	MarkStarted(ctx context.Context, id string) error
	UpdateStage(ctx context.Context, id string, stage domain.Stage) error
	MarkCompleted(ctx context.Context, id string, update *domain.Run) error
	UpdateFailure(ctx context.Context, id string, stage domain.Stage, failureType domain.FailureType, errorMessage string) error
	// 重新排队前清空上次的结果
	ResetForRetry(ctx context.Context, id string) error
	GetStatusCounts(ctx context.Context) (map[domain.RunStatus]int64, error)
	// 阶段事件
	AppendEvent(ctx context.Context, event *domain.RunEvent) error
	ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error)
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{
		db:     db,
		logger: logger,
	}
}

func (r *runRepo) Create(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) Update(ctx context.Context, run *domain.Run) error {
	err := r.db.WithContext(ctx).Save(run).Error
	if err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Error("Run update failed")
	}
	return err
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, page, pageSize int, status domain.RunStatus) ([]*domain.Run, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&domain.Run{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []*domain.Run
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error
	return runs, total, err
}

func (r *runRepo) ListByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.Run, error) {
	var runs []*domain.Run
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}

func (r *runRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&domain.RunEvent{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.Run{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRunNotFound
		}
		return nil
	})
}

func (r *runRepo) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":     domain.RunStatusRunning,
		"started_at": &now,
		"attempts":   gorm.Expr("attempts + ?", 1),
	})
}

func (r *runRepo) UpdateStage(ctx context.Context, id string, stage domain.Stage) error {
	return r.updates(ctx, id, map[string]interface{}{
		"current_stage": stage,
	})
}

// MarkCompleted 写入成功结果，update 中只使用结果字段
func (r *runRepo) MarkCompleted(ctx context.Context, id string, update *domain.Run) error {
	now := time.Now().UTC()
	return r.updates(ctx, id, map[string]interface{}{
		"status":         domain.RunStatusCompleted,
		"completed_at":   &now,
		"output_path":    update.OutputPath,
		"package_name":   update.PackageName,
		"main_activity":  update.MainActivity,
		"fingerprint":    update.Fingerprint,
		"architectures":  update.Architectures,
		"install_result": update.InstallResult,
		"duration_ms":    update.DurationMs,
		"failure_type":   update.FailureType,
		"error_message":  update.ErrorMessage,
	})
}

func (r *runRepo) UpdateFailure(ctx context.Context, id string, stage domain.Stage, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	r.logger.WithFields(logrus.Fields{
		"run_id":       id,
		"stage":        stage,
		"failure_type": failureType,
	}).Warn("Run failed")
	return r.updates(ctx, id, map[string]interface{}{
		"status":        domain.RunStatusFailed,
		"current_stage": stage,
		"failure_type":  failureType,
		"error_message": errorMessage,
		"completed_at":  &now,
	})
}

func (r *runRepo) ResetForRetry(ctx context.Context, id string) error {
	return r.updates(ctx, id, map[string]interface{}{
		"status":         domain.RunStatusQueued,
		"current_stage":  "",
		"failure_type":   domain.FailureTypeNone,
		"error_message":  "",
		"output_path":    "",
		"install_result": "",
		"started_at":     nil,
		"completed_at":   nil,
	})
}

func (r *runRepo) GetStatusCounts(ctx context.Context) (map[domain.RunStatus]int64, error) {
	var rows []struct {
		Status domain.RunStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.RunStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *runRepo) AppendEvent(ctx context.Context, event *domain.RunEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *runRepo) ListEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	var events []*domain.RunEvent
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (r *runRepo) updates(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", id).Updates(fields).Error
}
