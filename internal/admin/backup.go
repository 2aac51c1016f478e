package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"XUI-Telegram-bot/internal/logger"
)

const BackupRetention = 31 * 24 * time.Hour

// pgDump подменяется в тестах.
var pgDump = func(ctx context.Context, dsn, filename string) error {
	out, err := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BackupDatabase создаёт дамп Postgres в dir и возвращает путь к файлу.
func BackupDatabase(ctx context.Context, dsn, dir, prefix string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	filename := filepath.Join(dir, prefix+"_"+time.Now().Format("20060102_150405")+".dump")
	if err := pgDump(ctx, dsn, filename); err != nil {
		_ = os.Remove(filename)
		return "", err
	}
	return filename, nil
}

// CleanOldBackups удаляет дампы старше maxAge. Возвращает число удалённых файлов.
func CleanOldBackups(dir string, maxAge time.Duration, now time.Time) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.dump"))
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) && os.Remove(f) == nil {
			removed++
		}
	}
	return removed, nil
}

// AutoBackupDatabase делает ночной бэкап и чистит старые дампы, ошибки уходят админам
func AutoBackupDatabase(ctx context.Context, dsn, dir string) {
	filename, err := BackupDatabase(ctx, dsn, dir, "autobackup")
	if err != nil {
		logger.NotifyAdmin("Ошибка автоматического бэкапа: " + err.Error())
		return
	}
	removed, err := CleanOldBackups(dir, BackupRetention, time.Now())
	if err != nil {
		logger.Warn("clean old backups", zap.Error(err))
	}
	logger.Info("auto backup created", zap.String("file", filename), zap.Int("removed", removed))
}
