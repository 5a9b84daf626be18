// Package config содержит логику чтения конфигурации движка исполнения заказов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации движка исполнения заказов.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	ProcessorAddress string `env:"PROCESSOR_ADDRESS"`
	NotifierAddress  string `env:"NOTIFIER_ADDRESS"`
	AuthSecret       string `env:"AUTH_SECRET"`

	DeliverySLA time.Duration `env:"DELIVERY_SLA"`
	ApprovalSLA time.Duration `env:"APPROVAL_SLA"`

	PayoutInterval time.Duration `env:"PAYOUT_INTERVAL"`
	NotifyInterval time.Duration `env:"NOTIFY_INTERVAL"`
	SLAInterval    time.Duration `env:"SLA_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значение из окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProcessorAddress, "p", "", "payment processor address")
	flag.StringVar(&cfg.NotifierAddress, "n", "", "notification service address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for service tokens")
	flag.DurationVar(&cfg.DeliverySLA, "delivery-sla", 7*24*time.Hour, "deadline for video delivery")
	flag.DurationVar(&cfg.ApprovalSLA, "approval-sla", 3*24*time.Hour, "deadline for customer approval")
	flag.DurationVar(&cfg.PayoutInterval, "payout-interval", 10*time.Second, "payout dispatch poll interval")
	flag.DurationVar(&cfg.NotifyInterval, "notify-interval", 5*time.Second, "notification outbox poll interval")
	flag.DurationVar(&cfg.SLAInterval, "sla-interval", time.Minute, "overdue orders poll interval")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.ProcessorAddress != "" {
		cfg.ProcessorAddress = envCfg.ProcessorAddress
	}
	if envCfg.NotifierAddress != "" {
		cfg.NotifierAddress = envCfg.NotifierAddress
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.DeliverySLA != 0 {
		cfg.DeliverySLA = envCfg.DeliverySLA
	}
	if envCfg.ApprovalSLA != 0 {
		cfg.ApprovalSLA = envCfg.ApprovalSLA
	}
	if envCfg.PayoutInterval != 0 {
		cfg.PayoutInterval = envCfg.PayoutInterval
	}
	if envCfg.NotifyInterval != 0 {
		cfg.NotifyInterval = envCfg.NotifyInterval
	}
	if envCfg.SLAInterval != 0 {
		cfg.SLAInterval = envCfg.SLAInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
