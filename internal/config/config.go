// Package config предоставялет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"APP_ENV" env-default:"local" validate:"oneof=local dev prod"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"./migrations"`
	AdminIDs                []int64          `yaml:"admin_ids" env:"ADMIN_IDS" env-separator:","`
	HTTPServer              `yaml:"http_server"`
	GRPCServer              `yaml:"grpc_server"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitMQ                `yaml:"rabbitmq"`
	JWTToken                `yaml:"jwttoken"`
	Panel                   Panel            `yaml:"panel"`
	YooKassa                YooKassa         `yaml:"yookassa"`
	Orchestrator            Orchestrator     `yaml:"orchestrator"`
	Telegram                Telegram         `yaml:"telegram"`
	RateLimit               RateLimit        `yaml:"rate_limit"`
	Tariffs                 []models.Service `yaml:"tariffs" validate:"required,min=1,dive"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// GRPCServer структура для настройки gRPC health-сервера
type GRPCServer struct {
	AddressGRPC string `yaml:"addressgrpc" env-default:":9090"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env-default:"3s"`
}

// RabbitMQ структура для настройки подключения к RabbitMQ
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// JWTToken структура для работы с jwt-токеном фронтенда мессенджера
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"24h"`
}

// Reality параметры REALITY, используемые как запасные при сборке ссылки доступа
type Reality struct {
	PublicKey   string `yaml:"public_key"`
	ShortID     string `yaml:"short_id"`
	SNI         string `yaml:"sni"`
	Fingerprint string `yaml:"fingerprint" env-default:"chrome"`
}

// Panel структура для настройки клиента панели 3x-ui
type Panel struct {
	URL            string        `yaml:"url" env:"PANEL_URL" validate:"required,url"`
	Username       string        `yaml:"username" env:"PANEL_USERNAME"`
	Password       string        `yaml:"password" env:"PANEL_PASSWORD"`
	Timeout        time.Duration `yaml:"timeout" env-default:"5s"`
	LoginRetries   int           `yaml:"login_retries" env-default:"3"`
	LoginCooldown  time.Duration `yaml:"login_cooldown" env-default:"60s"`
	SessionTTL     time.Duration `yaml:"session_ttl" env-default:"5m"`
	ClientIPLimit  int           `yaml:"client_ip_limit" env-default:"6"`
	ClientCacheTTL time.Duration `yaml:"client_cache_ttl" env-default:"5m"`
	RequestsPerSec float64       `yaml:"requests_per_sec" env-default:"10"`
	ServerHost     string        `yaml:"server_host"`
	ServerPort     int           `yaml:"server_port" env-default:"443"`
	Reality        Reality       `yaml:"reality"`
}

// YooKassa структура для настройки платёжного шлюза
type YooKassa struct {
	ShopID        string        `yaml:"shop_id" env:"YOOKASSA_SHOP_ID"`
	SecretKey     string        `yaml:"secret_key" env:"YOOKASSA_SECRET_KEY"`
	ReturnURL     string        `yaml:"return_url"`
	WebhookSecret string        `yaml:"webhook_secret" env:"YOOKASSA_WEBHOOK_SECRET"`
	Currency      string        `yaml:"currency" env-default:"RUB"`
	APIURL        string        `yaml:"api_url" env-default:"https://api.yookassa.ru/v3"`
	Timeout       time.Duration `yaml:"timeout" env-default:"10s"`
}

// Retry параметры политики повторов выдачи доступа
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" env-default:"8"`
	BaseDelay   time.Duration `yaml:"base_delay" env-default:"30s"`
	MaxDelay    time.Duration `yaml:"max_delay" env-default:"30m" validate:"gt=0"`
	Budget      time.Duration `yaml:"budget" env-default:"6h"`
}

// Orchestrator структура для настройки машины состояний транзакций
type Orchestrator struct {
	ConfirmationWindow time.Duration `yaml:"confirmation_window" env-default:"24h"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env-default:"10m"`
	RetryInterval      time.Duration `yaml:"retry_interval" env-default:"30s"`
	ReminderInterval   time.Duration `yaml:"reminder_interval" env-default:"6h"`
	ReminderLead       time.Duration `yaml:"reminder_lead" env-default:"72h" validate:"gt=0"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout" env-default:"20s" validate:"gt=0"`
	// Блокировка должна пережить самую долгую попытку выдачи доступа.
	LockTTL time.Duration `yaml:"lock_ttl" env-default:"30s" validate:"gtfield=AttemptTimeout"`
	Retry   Retry         `yaml:"retry"`
	Trial   Trial         `yaml:"trial"`
}

// Trial параметры бесплатного пробного периода
type Trial struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"` // Пусто: первый сервис каталога
	Days    int    `yaml:"days" env-default:"3" validate:"gt=0"`
}

// Telegram структура для настройки доставщика уведомлений
type Telegram struct {
	BotToken string `yaml:"bot_token" env:"BOT_TOKEN"`
}

// RateLimit параметры ограничения запросов на пользователя
type RateLimit struct {
	RPS   float64 `yaml:"rps" env-default:"1"`
	Burst int     `yaml:"burst" env-default:"3"`
}

// MustLoad функция для загрузки конфига, возвращает конфиг, сгенерированный из файла CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load читает и валидирует конфиг по указанному пути.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// Validate проверяет обязательные поля конфига.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// IsAdmin сообщает, входит ли пользователь в список администраторов.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"StorageConnectionString: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"GRPCServer:\n"+
			"  Address: %s\n"+
			"Redis:\n"+
			"  Addr: %s\n"+
			"RabbitMQ:\n"+
			"  URL: %s\n"+
			"Panel:\n"+
			"  URL: %s\n"+
			"Orchestrator:\n"+
			"  ConfirmationWindow: %s\n"+
			"  MaxAttempts: %d\n"+
			"Tariffs: %d\n",
		c.Env,
		c.StorageConnectionString,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.AddressGRPC,
		c.AddressRedis,
		c.RabbitMQURL,
		c.Panel.URL,
		c.Orchestrator.ConfirmationWindow,
		c.Orchestrator.Retry.MaxAttempts,
		len(c.Tariffs),
	)
}
