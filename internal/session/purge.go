package session

import (
	"context"
	"log/slog"
	"time"
)

// PurgeLoop 每隔 interval 依次调用各 Purger，直到 ctx 结束。
// 单个 Purger 失败只记录日志，不影响其余清理。
func PurgeLoop(ctx context.Context, interval time.Duration, log *slog.Logger, purgers ...Purger) {
	if interval <= 0 || len(purgers) == 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range purgers {
				n, err := p.PurgeExpired(ctx)
				if err != nil {
					log.Warn("清理过期条目失败", slog.Any("error", err))
					continue
				}
				if n > 0 {
					log.Info("已清理过期条目", slog.Int("count", n))
				}
			}
		}
	}
}
