package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/pkg/common"
	"go.uber.org/zap"
)

// ErrUnknownTaskType is returned for schedulers with a task type nothing runs.
var ErrUnknownTaskType = errors.New("unknown scheduler task type")

// StartSchedulerService runs enabled schedulers periodically
func (a *Application) StartSchedulerService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSchedulers(ctx)
			}
		}
	}()
}

// runSchedulers submits every due scheduler to the task pool
func (a *Application) runSchedulers(ctx context.Context) {
	var schedulers []domain.SysScheduler
	if err := a.gormDB.Where("status = ?", common.ENABLED).Find(&schedulers).Error; err != nil {
		zap.L().Error("load schedulers failed", zap.Error(err))
		return
	}
	now := time.Now()
	for i := range schedulers {
		sched := schedulers[i]
		if !sched.NextRunAt.IsZero() && now.Before(sched.NextRunAt) {
			continue
		}
		a.gormDB.Model(&domain.SysScheduler{}).Where("id = ?", sched.ID).
			Update("next_run_at", now.Add(time.Duration(sched.Interval)*time.Second))
		err := a.taskPool.Submit(func() {
			a.executeScheduler(ctx, &sched)
		})
		if err != nil {
			zap.L().Warn("scheduler task rejected", zap.String("name", sched.Name), zap.Error(err))
		}
	}
}

// RunSchedulerNow runs the scheduler with id synchronously.
func (a *Application) RunSchedulerNow(id int64) error {
	var sched domain.SysScheduler
	if err := a.gormDB.First(&sched, id).Error; err != nil {
		return err
	}
	return a.executeScheduler(context.Background(), &sched)
}

// executeScheduler runs one scheduler task and records its outcome
func (a *Application) executeScheduler(ctx context.Context, sched *domain.SysScheduler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler %s panic: %v", sched.Name, r)
			zap.S().Error(err)
		}
		a.recordSchedulerResult(sched, err)
	}()

	var msg string
	msg, err = a.runTask(ctx, sched.TaskType)
	if err == nil {
		sched.LastMessage = msg
	}
	return err
}

func (a *Application) runTask(ctx context.Context, taskType string) (string, error) {
	switch taskType {
	case TaskAttendanceCalc:
		rep, err := a.RunReconcile(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("processed %d punches, %d intervals, %d failed", rep.Processed, rep.Intervals, rep.Failed), nil
	case TaskDeviceOffline:
		after := a.configManager.GetInt("device", "OfflineAfterSec")
		if after <= 0 {
			after = 300
		}
		n, err := a.registry.MarkStaleDisconnected(ctx, time.Now().UTC().Add(-time.Duration(after)*time.Second))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d devices marked disconnected", n), nil
	case TaskStampLogCleanup:
		days := a.configManager.GetInt("retention", "StampLogDays")
		if days <= 0 {
			return "retention disabled", nil
		}
		res := a.gormDB.WithContext(ctx).
			Where("created_at < ?", time.Now().UTC().AddDate(0, 0, -days)).
			Delete(&domain.StampLog{})
		if res.Error != nil {
			return "", res.Error
		}
		return fmt.Sprintf("%d stamp logs removed", res.RowsAffected), nil
	case TaskCommandCleanup:
		n, err := a.commands.PurgeAcked(ctx, a.configManager.GetInt("retention", "CommandLogDays"))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d commands removed", n), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
}

func (a *Application) recordSchedulerResult(sched *domain.SysScheduler, err error) {
	updates := map[string]interface{}{
		"last_run_at":  time.Now(),
		"last_result":  "success",
		"last_message": sched.LastMessage,
	}
	if err != nil {
		updates["last_result"] = "failed"
		updates["last_message"] = err.Error()
		zap.L().Error("scheduler task failed",
			zap.String("name", sched.Name),
			zap.String("task_type", sched.TaskType),
			zap.Error(err))
	}
	if dbErr := a.gormDB.Model(&domain.SysScheduler{}).Where("id = ?", sched.ID).Updates(updates).Error; dbErr != nil {
		zap.L().Error("failed to record scheduler result", zap.String("name", sched.Name), zap.Error(dbErr))
	}
}
