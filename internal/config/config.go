package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	BotToken              string
	PollTimeout           time.Duration
	PrivateChannelID      string
	InviteLinkExpireHours int
}

// CloudPaymentsConfig holds CloudPayments gateway configuration.
type CloudPaymentsConfig struct {
	PublicID  string
	APISecret string
	ReturnURL string
}

// KafkaConfig holds Kafka event publishing configuration.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ServiceConfig holds all configuration for the subscription service.
type ServiceConfig struct {
	Port               string
	AppEnv             string
	StorePath          string
	CheckInterval      time.Duration
	Telegram           TelegramConfig
	CloudPayments      CloudPaymentsConfig
	Kafka              KafkaConfig
	JournalDatabaseURL string
	AdminJWTSecret     string
}

// Load reads configuration from environment variables and returns a ServiceConfig.
func Load() (*ServiceConfig, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "3000")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SUBSCRIPTIONS_DB_PATH", "data/subscriptions.json")
	v.SetDefault("SUBSCRIPTION_CHECK_INTERVAL", "5m")
	v.SetDefault("BOT_POLL_TIMEOUT_SEC", 30)
	v.SetDefault("INVITE_LINK_EXPIRE_HOURS", 12)
	v.SetDefault("KAFKA_TOPIC", "subscription.events")

	for _, key := range []string{
		"BOT_TOKEN", "PRIVATE_CHANNEL_ID",
		"CLOUDPAYMENTS_PUBLIC_ID", "CLOUDPAYMENTS_API_SECRET", "CLOUDPAYMENTS_RETURN_URL",
		"KAFKA_BROKERS", "JOURNAL_DATABASE_URL", "ADMIN_JWT_SECRET",
	} {
		_ = v.BindEnv(key)
	}

	checkInterval, err := time.ParseDuration(v.GetString("SUBSCRIPTION_CHECK_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("invalid SUBSCRIPTION_CHECK_INTERVAL: %w", err)
	}

	cfg := &ServiceConfig{
		Port:          ":" + strings.TrimPrefix(v.GetString("PORT"), ":"),
		AppEnv:        v.GetString("APP_ENV"),
		StorePath:     v.GetString("SUBSCRIPTIONS_DB_PATH"),
		CheckInterval: checkInterval,
		Telegram: TelegramConfig{
			BotToken:              v.GetString("BOT_TOKEN"),
			PollTimeout:           time.Duration(v.GetInt("BOT_POLL_TIMEOUT_SEC")) * time.Second,
			PrivateChannelID:      v.GetString("PRIVATE_CHANNEL_ID"),
			InviteLinkExpireHours: v.GetInt("INVITE_LINK_EXPIRE_HOURS"),
		},
		CloudPayments: CloudPaymentsConfig{
			PublicID:  v.GetString("CLOUDPAYMENTS_PUBLIC_ID"),
			APISecret: v.GetString("CLOUDPAYMENTS_API_SECRET"),
			ReturnURL: v.GetString("CLOUDPAYMENTS_RETURN_URL"),
		},
		Kafka: KafkaConfig{
			Brokers: splitBrokers(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		JournalDatabaseURL: v.GetString("JOURNAL_DATABASE_URL"),
		AdminJWTSecret:     v.GetString("ADMIN_JWT_SECRET"),
	}

	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN must be set")
	}

	return cfg, nil
}

// splitBrokers parses a comma-separated broker list. An empty value yields nil,
// which disables event publishing.
func splitBrokers(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}
