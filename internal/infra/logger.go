package infra

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger собирает корневой логгер по конфигу. Компоненты получают logger.Named(...).
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// LoadSigningKeys разбирает ключи релиз-сертификатов; (nil, nil), если приватный ключ не задан.
// Публичный ключ, если он есть, обязан соответствовать приватному.
func LoadSigningKeys(cfg ReleaseConfig) (*SigningKeys, error) {
	if len(cfg.PrivateKey) == 0 {
		return nil, nil
	}
	return ParseEd25519Keys(cfg.PrivateKey, cfg.PublicKey)
}
