package job

import (
	"context"
	"log"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/repository"

	"gorm.io/gorm"
)

// UnlockFinalizeJob 撤销窗口结束后把解锁记录标记为不可退款
//
// 只是把时间上已经确定的结果落库，撤销是否有效始终以 refund_expires_at 判断，
// 这个任务延迟或停止都不影响正确性。
type UnlockFinalizeJob struct {
	unlockRepo *repository.UnlockRepository
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

func NewUnlockFinalizeJob(db *gorm.DB, cfg *config.Config) *UnlockFinalizeJob {
	interval := time.Duration(cfg.Business.FinalizeIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &UnlockFinalizeJob{
		unlockRepo: repository.NewUnlockRepository(db),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  500,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (j *UnlockFinalizeJob) Start(ctx context.Context) {
	log.Println("[UnlockFinalizeJob] 撤销窗口清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[UnlockFinalizeJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[UnlockFinalizeJob] 任务停止")
			return
		case <-ticker.C:
			j.FinalizeExpired(ctx)
		}
	}
}

func (j *UnlockFinalizeJob) Stop() {
	close(j.stopCh)
}

// FinalizeExpired 处理所有已过撤销窗口的记录，返回处理条数
func (j *UnlockFinalizeJob) FinalizeExpired(ctx context.Context) int64 {
	var total int64
	now := j.now()
	for {
		count, err := j.unlockRepo.FinalizeExpired(ctx, now, j.batchSize)
		if err != nil {
			log.Printf("[UnlockFinalizeJob] 清理失败: %v", err)
			return total
		}
		total += count
		if count < int64(j.batchSize) {
			break
		}
	}

	if total > 0 {
		log.Printf("[UnlockFinalizeJob] 本次确认 %d 条解锁记录", total)
	}
	return total
}
