// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// SQLバックエンドの行は読み取り時に無視されるだけで自然には消えないため、
// 一定間隔でまとめて削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/thoughts/internal/metrics"
)

// Expirer は期限切れのセッション値を削除し、削除件数を返すインターフェース。
// session.SQLiteBackend と session.PostgresBackend が実装する。
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 削除対象がない場合もエラーにならないため、何度実行してもよい。
type CleanupJob struct {
	backend  Expirer
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderがnilの場合は記録しない。
func NewCleanupJob(backend Expirer, recorder metrics.Recorder, logger *slog.Logger) *CleanupJob {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &CleanupJob{
		backend:  backend,
		recorder: recorder,
		logger:   logger,
	}
}

// Run は期限切れのセッション値を1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.backend.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.recorder.RecordExpiredSessionsDeleted(deletedCount)

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start はinterval間隔でRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	// 失敗はRun内でログ出力済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
