// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads mealmail settings from an optional YAML file and
// MEALMAIL_* environment variables, which take precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/matta/mealmail/internal/homedir"
)

// Log backends.
const (
	BackendSheets = "sheets"
	BackendXLSX   = "xlsx"
)

// Storage backends.
const (
	StorageDrive = "drive"
	StorageS3    = "s3"
	StorageNone  = "none"
)

const envPrefix = "MEALMAIL_"

// S3 configures the S3 storage backend.
type S3 struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Config is the full set of settings.
type Config struct {
	// Subject token that marks a message as a food log.
	TagToken string `yaml:"tag_token"`
	// Mailbox query; derived from TagToken when empty.
	MailQuery           string `yaml:"mail_query"`
	PollIntervalMinutes int    `yaml:"poll_interval_minutes"`
	// IANA zone name for timestamps and meal types; empty means local.
	TimeZone string `yaml:"time_zone"`

	LogBackend string `yaml:"log_backend"`
	// Spreadsheet ID for sheets, file path for xlsx.
	LogDestination string `yaml:"log_destination_id"`
	SheetName      string `yaml:"sheet_name"`

	StorageBackend string `yaml:"storage_backend"`
	DriveFolderID  string `yaml:"drive_folder_id"`
	S3             S3     `yaml:"s3"`

	LedgerPath      string `yaml:"ledger_path"`
	CredentialsPath string `yaml:"credentials_path"`
	TokenPath       string `yaml:"token_path"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		TagToken:            "FOOD",
		PollIntervalMinutes: 2,
		LogBackend:          BackendSheets,
		SheetName:           "Meals",
		StorageBackend:      StorageDrive,
		LedgerPath:          "~/.mealmail.db",
		CredentialsPath:     "~/.mealmail/credentials.json",
		TokenPath:           "~/.mealmail/token.json",
		LeaseTTL:            10 * time.Minute,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load returns the defaults overlaid with the YAML file at path, if
// path is not empty, and then with the environment.  The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(homedir.Expand(path))
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.LedgerPath = homedir.Expand(cfg.LedgerPath)
	cfg.CredentialsPath = homedir.Expand(cfg.CredentialsPath)
	cfg.TokenPath = homedir.Expand(cfg.TokenPath)
	if cfg.LogBackend == BackendXLSX {
		cfg.LogDestination = homedir.Expand(cfg.LogDestination)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"TAG_TOKEN":          &c.TagToken,
		"MAIL_QUERY":         &c.MailQuery,
		"TIME_ZONE":          &c.TimeZone,
		"LOG_BACKEND":        &c.LogBackend,
		"LOG_DESTINATION_ID": &c.LogDestination,
		"SHEET_NAME":         &c.SheetName,
		"STORAGE_BACKEND":    &c.StorageBackend,
		"DRIVE_FOLDER_ID":    &c.DriveFolderID,
		"S3_ENDPOINT":        &c.S3.Endpoint,
		"S3_ACCESS_KEY":      &c.S3.AccessKey,
		"S3_SECRET_KEY":      &c.S3.SecretKey,
		"S3_BUCKET":          &c.S3.Bucket,
		"S3_REGION":          &c.S3.Region,
		"LEDGER_PATH":        &c.LedgerPath,
		"CREDENTIALS_PATH":   &c.CredentialsPath,
		"TOKEN_PATH":         &c.TokenPath,
		"REDIS_ADDR":         &c.RedisAddr,
		"REDIS_PASSWORD":     &c.RedisPassword,
		"METRICS_ADDR":       &c.MetricsAddr,
		"LOG_LEVEL":          &c.LogLevel,
		"LOG_FORMAT":         &c.LogFormat,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok {
			*p = v
		}
	}

	ints := map[string]*int{
		"POLL_INTERVAL_MINUTES": &c.PollIntervalMinutes,
		"REDIS_DB":              &c.RedisDB,
	}
	for k, p := range ints {
		if v, ok := lookup(k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parsing %s%s", envPrefix, k)
			}
			*p = n
		}
	}

	if v, ok := lookup("S3_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "parsing %sS3_USE_SSL", envPrefix)
		}
		c.S3.UseSSL = b
	}
	if v, ok := lookup("LEASE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parsing %sLEASE_TTL", envPrefix)
		}
		c.LeaseTTL = d
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	return v, ok && v != ""
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.PollIntervalMinutes < 1 {
		return errors.Errorf("poll_interval_minutes must be at least 1, got %d", c.PollIntervalMinutes)
	}
	if c.Query() == "" {
		return errors.New("tag_token and mail_query are both empty")
	}
	switch c.LogBackend {
	case BackendSheets, BackendXLSX:
	default:
		return errors.Errorf("unknown log_backend %q", c.LogBackend)
	}
	if c.LogDestination == "" {
		return errors.New("log_destination_id is required")
	}
	if c.SheetName == "" {
		return errors.New("sheet_name is required")
	}
	switch c.StorageBackend {
	case StorageDrive, StorageNone:
	case StorageS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return errors.New("s3 storage needs an endpoint and a bucket")
		}
	default:
		return errors.Errorf("unknown storage_backend %q", c.StorageBackend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Query returns the mailbox query selecting unread tagged messages.
func (c *Config) Query() string {
	if c.MailQuery != "" {
		return c.MailQuery
	}
	if c.TagToken == "" {
		return ""
	}
	return fmt.Sprintf("subject:%s is:unread", c.TagToken)
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	return loc, errors.Wrapf(err, "time_zone %q", c.TimeZone)
}

// PollInterval returns the scheduler period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}
