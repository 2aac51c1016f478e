package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken      string  `validate:"required"`
	AdminIDs      []int64 `validate:"required,min=1"`
	Channels      []string
	PanelURL      string `validate:"required,url"`
	PanelUsername string `validate:"required"`
	PanelPassword string `validate:"required"`
	PanelInsecure bool
	PanelTokenTTL time.Duration
	PanelTimeout  time.Duration
	ServerDomain  string `validate:"required"`
	InboundRemark string `validate:"required"`
	WalletTRX     string `validate:"required"`
	WalletTON     string `validate:"required"`
	DatabaseURL   string `validate:"required"`

	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	OracleURL     string
	OracleTimeout time.Duration

	HTTPAddr   string
	BackupDir  string
	SupportURL string

	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
}

var AppCfg AppConfig

// LoadConfig читает .env и переменные окружения. Возвращает ошибку, если не заданы обязательные параметры.
func LoadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	adminIDs, err := parseIDs(os.Getenv("ADMIN_IDS"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS: %w", err)
	}

	cfg := AppConfig{
		BotToken:      os.Getenv("BOT_TOKEN"),
		AdminIDs:      adminIDs,
		Channels:      splitList(os.Getenv("CHANNELS")),
		PanelURL:      strings.TrimRight(os.Getenv("PANEL_URL"), "/"),
		PanelUsername: os.Getenv("PANEL_USERNAME"),
		PanelPassword: os.Getenv("PANEL_PASSWORD"),
		PanelInsecure: getEnvAsBool("PANEL_INSECURE_TLS", false),
		PanelTokenTTL: getEnvAsDuration("PANEL_TOKEN_TTL", 50*time.Minute),
		PanelTimeout:  getEnvAsDuration("PANEL_TIMEOUT", 20*time.Second),
		ServerDomain:  os.Getenv("SERVER_DOMAIN"),
		InboundRemark: os.Getenv("INBOUND_REMARK"),
		WalletTRX:     os.Getenv("WALLET_TRX"),
		WalletTON:     os.Getenv("WALLET_TON"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 30*time.Minute),

		OracleURL:     getEnv("ORACLE_URL", "https://apiv2.nobitex.ir/market/stats"),
		OracleTimeout: getEnvAsDuration("ORACLE_TIMEOUT", 10*time.Second),

		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		BackupDir:  getEnv("BACKUP_DIR", "backups"),
		SupportURL: getEnv("SUPPORT_URL", "https://t.me/support"),

		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		LogFile:       getEnv("LOG_FILE", "logs/bot.log"),
		LogMaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
		LogMaxAge:     getEnvAsInt("LOG_MAX_AGE", 28),
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	AppCfg = cfg
	return &cfg, nil
}

// Validate проверяет, что все обязательные параметры заданы.
func Validate(cfg *AppConfig) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		missing := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			missing = append(missing, fe.Field())
		}
		return fmt.Errorf("critical settings are missing or invalid: %s", strings.Join(missing, ", "))
	}
	return err
}

func (c *AppConfig) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
