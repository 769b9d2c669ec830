/*
Package config loads the server configuration.

PURPOSE:
  One YAML file describes the whole process: HTTP listener, logging,
  storage driver, Redis report cache, JWT secret, rate limits, the receipt
  blob store, the business time zone, the feedback link, the discount table
  and instrument pricing. ${ENV_VAR} placeholders are expanded before
  parsing so secrets stay in the environment (or a .env file).

EXAMPLE:
  server:
    addr: ":8080"
  storage:
    driver: sqlite
    sqlite_path: data/booking.db
  auth:
    jwt_secret: ${JWT_SECRET}
  timezone: Asia/Baku
  discounts:
    branches:
      b-old-city:
        weekday: {percent: 25, reason: "weekday promo"}
        weekend: {percent: 10, rounding: half_up, reason: "weekend promo"}
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // business time zones resolve on hosts without zoneinfo

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/factory"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr                string   `yaml:"addr"`
		CORSOrigins         []string `yaml:"cors_origins"`
		ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_seconds"`
		LoadScenarios       bool     `yaml:"load_scenarios"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Storage struct {
		Driver        string `yaml:"driver"` // memory, sqlite, mongo
		SQLitePath    string `yaml:"sqlite_path"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	} `yaml:"storage"`

	Redis struct {
		Address          string `yaml:"address"`
		Password         string `yaml:"password"`
		DB               int    `yaml:"db"`
		ReportTTLSeconds int    `yaml:"report_ttl_seconds"`
		// WarmIntervalSeconds rebuilds today's report in the background; 0 disables.
		WarmIntervalSeconds int `yaml:"warm_interval_seconds"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// Disabled lets every request act as DevUser (local use only).
		Disabled bool   `yaml:"disabled"`
		DevUser  string `yaml:"dev_user"`
	} `yaml:"auth"`

	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Cloudinary struct {
		CloudName string `yaml:"cloud_name"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
		Folder    string `yaml:"folder"`
	} `yaml:"cloudinary"`

	Timezone string `yaml:"timezone"`

	Feedback struct {
		CountryCode string `yaml:"country_code"`
		Message     string `yaml:"message"`
	} `yaml:"feedback"`

	Discounts DiscountsConfig `yaml:"discounts"`

	Instruments struct {
		GiftCardSurcharge      *float64 `yaml:"gift_card_surcharge"`
		PackageVisits          int      `yaml:"package_visits"`
		PackageDiscountPercent *float64 `yaml:"package_discount_percent"`
		GiftCardValidityDays   int      `yaml:"gift_card_validity_days"`
		CodeAttempts           int      `yaml:"code_attempts"`
	} `yaml:"instruments"`
}

type TierConfig struct {
	Percent  float64 `yaml:"percent"`
	Rounding string  `yaml:"rounding"`
	Reason   string  `yaml:"reason"`
}

type BranchDiscountConfig struct {
	Weekday *TierConfig `yaml:"weekday"`
	Weekend *TierConfig `yaml:"weekend"`
}

type DiscountsConfig struct {
	WeekendDays []string                        `yaml:"weekend_days"`
	Branches    map[string]BranchDiscountConfig `yaml:"branches"`
}

// Default returns a configuration runnable without a file: in-memory
// storage, no cache, no receipts backend.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads path. A missing file at the default path yields Default().
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "booking.db"
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = "booking"
	}
	if c.Redis.ReportTTLSeconds == 0 {
		c.Redis.ReportTTLSeconds = 300
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if c.Auth.DevUser == "" {
		c.Auth.DevUser = "dev-admin"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Cloudinary.Folder == "" {
		c.Cloudinary.Folder = "receipts"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Baku"
	}
	if c.Feedback.CountryCode == "" {
		c.Feedback.CountryCode = "994"
	}
	if c.Feedback.Message == "" {
		c.Feedback.Message = booking.DefaultFeedbackMessage
	}
	if len(c.Discounts.WeekendDays) == 0 {
		c.Discounts.WeekendDays = []string{"saturday", "sunday"}
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "mongo":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "mongo" && c.Storage.MongoURI == "" {
		return fmt.Errorf("config: storage.mongo_uri is required for the mongo driver")
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required unless auth.disabled is set")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.DiscountTable(); err != nil {
		return err
	}
	return nil
}

// Location resolves the business time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DiscountTable converts the discounts section.
func (c *Config) DiscountTable() (*booking.DiscountTable, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	table := booking.NewDiscountTable(loc)

	weekend := make([]time.Weekday, 0, len(c.Discounts.WeekendDays))
	for _, name := range c.Discounts.WeekendDays {
		d, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("config: unknown weekday %q", name)
		}
		weekend = append(weekend, d)
	}
	if len(weekend) > 0 {
		table.WeekendDays = weekend
	}

	for branch, bd := range c.Discounts.Branches {
		weekdayTier, err := bd.Weekday.tier()
		if err != nil {
			return nil, fmt.Errorf("config: discounts.%s.weekday: %w", branch, err)
		}
		weekendTier, err := bd.Weekend.tier()
		if err != nil {
			return nil, fmt.Errorf("config: discounts.%s.weekend: %w", branch, err)
		}
		table.Branches[domain.BranchID(branch)] = booking.BranchDiscounts{Weekday: weekdayTier, Weekend: weekendTier}
	}
	return table, nil
}

func (t *TierConfig) tier() (*booking.Tier, error) {
	if t == nil {
		return nil, nil
	}
	if t.Percent < 0 || t.Percent > 100 {
		return nil, fmt.Errorf("percent %v out of range", t.Percent)
	}
	r := booking.Rounding(t.Rounding)
	if !r.Valid() {
		return nil, fmt.Errorf("unknown rounding %q", t.Rounding)
	}
	return &booking.Tier{Percent: decimal.NewFromFloat(t.Percent), Rounding: r, Reason: t.Reason}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// Pricing converts the instruments section.
func (c *Config) Pricing() factory.Pricing {
	p := factory.DefaultPricing()
	if c.Instruments.GiftCardSurcharge != nil {
		p.GiftCardSurcharge = decimal.NewFromFloat(*c.Instruments.GiftCardSurcharge)
	}
	if c.Instruments.PackageVisits > 0 {
		p.PackageVisits = c.Instruments.PackageVisits
	}
	if c.Instruments.PackageDiscountPercent != nil {
		p.PackageDiscountPercent = decimal.NewFromFloat(*c.Instruments.PackageDiscountPercent)
	}
	if c.Instruments.GiftCardValidityDays > 0 {
		p.GiftCardValidity = time.Duration(c.Instruments.GiftCardValidityDays) * 24 * time.Hour
	}
	return p
}

func (c *Config) ReportTTL() time.Duration {
	return time.Duration(c.Redis.ReportTTLSeconds) * time.Second
}

func (c *Config) WarmInterval() time.Duration {
	return time.Duration(c.Redis.WarmIntervalSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}
