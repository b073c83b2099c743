package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvironmentProduction включает строгий режим: без ключей сервис не стартует.
const EnvironmentProduction = "production"

// Config: корневая структура конфигурации сервиса.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Release   ReleaseConfig   `mapstructure:"release"`
	Grounding GroundingConfig `mapstructure:"grounding"`
	Gate      GateConfig      `mapstructure:"gate"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Shredder  ShredderConfig  `mapstructure:"shredder"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Packet    PacketConfig    `mapstructure:"packet"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Environment     string        `mapstructure:"environment"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (цепочка сертификатов scope=cluster, сигналы shred).
// Пустой Addr: работа без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// ReleaseConfig: ключи подписи сертификатов и режим цепочки.
type ReleaseConfig struct {
	PrivateKeyPath string `mapstructure:"private_key_path"`
	PublicKeyPath  string `mapstructure:"public_key_path"`
	GenesisSeed    string `mapstructure:"genesis_seed"`
	ChainScope     string `mapstructure:"chain_scope"` // process, cluster
	PrivateKey     []byte
	PublicKey      []byte
}

type GroundingConfig struct {
	BBoxTolerance       float64 `mapstructure:"bbox_tolerance"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	CacheSize           int     `mapstructure:"cache_size"`
}

type GateConfig struct {
	HighRiskMinAnchors int               `mapstructure:"high_risk_min_anchors"`
	Concurrency        int               `mapstructure:"concurrency"`
	SupportMode        string            `mapstructure:"support_mode"` // deterministic, openai, ollama
	Model              string            `mapstructure:"model"`
	BaseURL            string            `mapstructure:"base_url"`
	APIKey             string            `mapstructure:"api_key"`
	Timeout            time.Duration     `mapstructure:"timeout"`
	Temperature        float64           `mapstructure:"temperature"`
	Reliability        ReliabilityConfig `mapstructure:"reliability"`
}

// ReliabilityConfig совпадает по полям с engine.ReliabilityConfig и приводится к нему напрямую.
type ReliabilityConfig struct {
	Attempts         uint          `mapstructure:"attempts"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	MaxFailures      uint32        `mapstructure:"max_failures"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// AuditConfig: выгрузка журнала во внешнее хранилище.
type AuditConfig struct {
	ShipEnabled       bool          `mapstructure:"ship_enabled"`
	ShipBufferSize    int           `mapstructure:"ship_buffer_size"`
	ShipBatchSize     int           `mapstructure:"ship_batch_size"`
	ShipFlushInterval time.Duration `mapstructure:"ship_flush_interval"`
}

type ShredderConfig struct {
	MasterKeyPath string `mapstructure:"master_key_path"`
	MasterKeyB64  string
}

// StorageConfig: где лежат байты экспонатов и куда выгружается журнал.
type StorageConfig struct {
	Backend         string            `mapstructure:"backend"` // file, gcs
	Root            string            `mapstructure:"root"`
	Bucket          string            `mapstructure:"bucket"`
	CredentialsFile string            `mapstructure:"credentials_file"`
	Reliability     ReliabilityConfig `mapstructure:"reliability"`
}

type PacketConfig struct {
	ReportPrefix string   `mapstructure:"report_prefix"`
	ReportNames  []string `mapstructure:"report_names"`
}

// IsProduction: строгий режим по server.environment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, EnvironmentProduction)
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключевой материал: сначала ENV, затем файл по пути из конфига
	cfg.Release.PrivateKey = loadKeyResource(cfg.Release.PrivateKeyPath, "RELEASE_CERT_PRIVATE_KEY_B64")
	cfg.Release.PublicKey = loadKeyResource(cfg.Release.PublicKeyPath, "RELEASE_CERT_PUBLIC_KEY_B64")
	cfg.Shredder.MasterKeyB64 = strings.TrimSpace(string(loadKeyResource(cfg.Shredder.MasterKeyPath, "EVIDENCE_MASTER_KEY_B64")))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.environment", "development")
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.migrate", true)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("release.chain_scope", "process")
	v.SetDefault("grounding.bbox_tolerance", 2.0)
	v.SetDefault("grounding.similarity_threshold", 0.85)
	v.SetDefault("grounding.cache_size", 1024)
	v.SetDefault("gate.high_risk_min_anchors", 2)
	v.SetDefault("gate.concurrency", 4)
	v.SetDefault("gate.support_mode", "deterministic")
	v.SetDefault("gate.timeout", 5*time.Second)
	v.SetDefault("audit.ship_buffer_size", 10000)
	v.SetDefault("audit.ship_batch_size", 100)
	v.SetDefault("audit.ship_flush_interval", 1*time.Second)
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.root", "./data")
	v.SetDefault("packet.report_prefix", "reports")
	v.SetDefault("packet.report_names", []string{"admissibility_proof.pdf"})
}

// loadKeyResource: значение из ENV (PEM или base64), иначе файл по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
