package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log, _ = zap.NewProduction()

type Config struct {
	Level      string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// InitLogger настраивает глобальный логгер: JSON в stdout и в файл с ротацией.
func InitLogger(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return err
	}
	if dir := filepath.Dir(cfg.Filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
	ws := zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), file)

	log = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), ws, level), zap.AddCaller())
	zap.ReplaceGlobals(log)
	return nil
}

// L возвращает логгер модуля.
func L(module string) *zap.Logger {
	return log.With(zap.String("mod", module))
}

func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}

func LogAdminAction(adminID int64, action, params string) {
	log.Info("admin_action", zap.Int64("admin_id", adminID), zap.String("action", action), zap.String("params", params))
}

func Sync() {
	_ = log.Sync()
}
