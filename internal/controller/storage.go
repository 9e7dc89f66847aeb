package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
	"github.com/ChuLiYu/mediaqueue/internal/storage/local"
	"github.com/ChuLiYu/mediaqueue/internal/storage/redisstore"
	"github.com/ChuLiYu/mediaqueue/internal/storage/sqlitestore"
)

// openStorage 依設定選擇後端
//
//	redis   可達時使用 redis，否則使用 Fallback（local 或 sqlite）
//	sqlite  單檔 SQLite
//	local   WAL + 快照目錄
//
// 所有後端都包上重試層，耗盡後的錯誤一律是 storage.ErrStorage。
func openStorage(ctx context.Context, cfg StorageConfig) (*storage.Selection, error) {
	policy := storage.DefaultRetryPolicy()
	policy.Attempts = cfg.RetryAttempts
	wrap := func(open storage.Opener) storage.Opener {
		return func(ctx context.Context) (storage.Adapter, error) {
			a, err := open(ctx)
			if err != nil {
				return nil, err
			}
			return storage.WithRetry(a, policy, log), nil
		}
	}

	var networked, fallback storage.Opener
	switch cfg.Backend {
	case BackendRedis:
		networked = wrap(redisOpener(cfg))
		fallback = wrap(fileOpener(cfg, cfg.Fallback))
	default:
		fallback = wrap(fileOpener(cfg, cfg.Backend))
	}
	return storage.Select(ctx, networked, fallback, cfg.PingTimeout, log)
}

func redisOpener(cfg StorageConfig) storage.Opener {
	return func(context.Context) (storage.Adapter, error) {
		return redisstore.Dial(redisstore.Config{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: cfg.PingTimeout,
		}, redisstore.WithLogger(log)), nil
	}
}

func fileOpener(cfg StorageConfig, backend string) storage.Opener {
	return func(context.Context) (storage.Adapter, error) {
		switch backend {
		case BackendSQLite:
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
			return sqlitestore.Open(cfg.SQLitePath)
		case BackendLocal:
			return local.Open(local.Options{Dir: cfg.LocalDir})
		}
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
