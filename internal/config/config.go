package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Analysis  AnalysisConfig  `json:"analysis" yaml:"analysis"`
	API       APIConfig       `json:"api" yaml:"api"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	History   HistoryConfig   `json:"history" yaml:"history"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	BatchSize     int            `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration  `json:"flush_interval" yaml:"flush_interval"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Syslog        SyslogConfig   `json:"syslog" yaml:"syslog"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig   `json:"parser" yaml:"parser"`
}

type FileTailConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	StartAtEnd   bool          `json:"start_at_end" yaml:"start_at_end"`
	Files        []string      `json:"files" yaml:"files"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// SyslogConfig accepts newline separated log lines over UDP datagrams and
// plain TCP connections.
type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
}

// KafkaConfig reads log records from a topic. StartOffset applies only when
// the consumer group has no committed offset: "first" or "last".
type KafkaConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Brokers     []string `json:"brokers" yaml:"brokers"`
	Topic       string   `json:"topic" yaml:"topic"`
	GroupID     string   `json:"group_id" yaml:"group_id"`
	StartOffset string   `json:"start_offset" yaml:"start_offset"`
}

type ParserConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`
}

type DetectionConfig struct {
	Timezone            string                    `json:"timezone" yaml:"timezone"`
	RestrictedFiles     []string                  `json:"restricted_files" yaml:"restricted_files"`
	SensitiveTables     []string                  `json:"sensitive_tables" yaml:"sensitive_tables"`
	PrivilegeQueries    []string                  `json:"privilege_queries" yaml:"privilege_queries"`
	BulkExportPatterns  []string                  `json:"bulk_export_patterns" yaml:"bulk_export_patterns"`
	InternalNetworks    []string                  `json:"internal_networks" yaml:"internal_networks"`
	ExclusiveGroups     [][]string                `json:"exclusive_groups" yaml:"exclusive_groups"`
	Suppress            SuppressConfig            `json:"suppress" yaml:"suppress"`
	CredentialStuffing  CredentialStuffingConfig  `json:"credential_stuffing" yaml:"credential_stuffing"`
	PrivilegeEscalation PrivilegeEscalationConfig `json:"privilege_escalation" yaml:"privilege_escalation"`
	AccountTakeover     AccountTakeoverConfig     `json:"account_takeover" yaml:"account_takeover"`
	DataExfiltration    DataExfiltrationConfig    `json:"data_exfiltration" yaml:"data_exfiltration"`
	InsiderThreat       InsiderThreatConfig       `json:"insider_threat" yaml:"insider_threat"`
}

type SuppressConfig struct {
	Users []string `json:"users" yaml:"users"`
	IPs   []string `json:"ips" yaml:"ips"`
}

type CredentialStuffingConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Window           time.Duration `json:"window" yaml:"window"`
	MinFailures      int           `json:"min_failures" yaml:"min_failures"`
	MinDistinctIPs   int           `json:"min_distinct_ips" yaml:"min_distinct_ips"`
	CriticalFailures int           `json:"critical_failures" yaml:"critical_failures"`
}

type PrivilegeEscalationConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Window  time.Duration `json:"window" yaml:"window"`
}

type AccountTakeoverConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Window  time.Duration `json:"window" yaml:"window"`
}

type DataExfiltrationConfig struct {
	Enabled               bool          `json:"enabled" yaml:"enabled"`
	Window                time.Duration `json:"window" yaml:"window"`
	MinDistinctFiles      int           `json:"min_distinct_files" yaml:"min_distinct_files"`
	CriticalDistinctFiles int           `json:"critical_distinct_files" yaml:"critical_distinct_files"`
	RestrictedOnly        bool          `json:"restricted_only" yaml:"restricted_only"`
}

type InsiderThreatConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	OffHoursStart int           `json:"off_hours_start" yaml:"off_hours_start"`
	OffHoursEnd   int           `json:"off_hours_end" yaml:"off_hours_end"`
	Window        time.Duration `json:"window" yaml:"window"`
	EscalateCount int           `json:"escalate_count" yaml:"escalate_count"`
}

type AnalysisConfig struct {
	Workers          int           `json:"workers" yaml:"workers"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	CommitTimeout    time.Duration `json:"commit_timeout" yaml:"commit_timeout"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	FingerprintCache int           `json:"fingerprint_cache" yaml:"fingerprint_cache"`
}

type APIConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Addr         string   `json:"addr" yaml:"addr"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type AuthConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	JWTSecret  string        `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL   time.Duration `json:"token_ttl" yaml:"token_ttl"`
	Issuer     string        `json:"issuer" yaml:"issuer"`
	Users      []UserConfig  `json:"users" yaml:"users"`
	LoginRate  float64       `json:"login_rate" yaml:"login_rate"`
	LoginBurst int           `json:"login_burst" yaml:"login_burst"`
}

type UserConfig struct {
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	PasswordHash string `json:"password_hash,omitempty" yaml:"password_hash,omitempty"`
	Role         string `json:"role" yaml:"role"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	NATS  NATSConfig        `json:"nats" yaml:"nats"`
	Kafka KafkaNotifyConfig `json:"kafka" yaml:"kafka"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type HistoryConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			BatchSize:     500,
			FlushInterval: 1 * time.Second,
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: false, PollInterval: 200 * time.Millisecond},
			Syslog:        SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			Kafka:         KafkaConfig{Enabled: false, StartOffset: "first"},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Detection: DetectionConfig{
			Timezone: "UTC",
			RestrictedFiles: []string{
				"payroll.csv",
				"design.pdf",
				"db_dump.sql",
				"system.log",
				"/secure/",
				"/confidential/",
			},
			SensitiveTables: []string{"users", "admins", "payroll", "credentials", "salaries"},
			PrivilegeQueries: []string{
				"grant all privileges",
				"grant ",
				"create user",
				"alter user",
				"insert into admins",
				"insert into users",
				"update users set",
			},
			BulkExportPatterns: []string{
				"select * from",
				"into outfile",
				"copy ... to ",
				"pg_dump",
				"mysqldump",
			},
			CredentialStuffing: CredentialStuffingConfig{
				Enabled:          true,
				Window:           10 * time.Minute,
				MinFailures:      5,
				MinDistinctIPs:   3,
				CriticalFailures: 10,
			},
			PrivilegeEscalation: PrivilegeEscalationConfig{Enabled: true, Window: 5 * time.Minute},
			AccountTakeover:     AccountTakeoverConfig{Enabled: true, Window: 10 * time.Minute},
			DataExfiltration: DataExfiltrationConfig{
				Enabled:               true,
				Window:                1 * time.Minute,
				MinDistinctFiles:      5,
				CriticalDistinctFiles: 10,
			},
			InsiderThreat: InsiderThreatConfig{
				Enabled:       true,
				OffHoursStart: 22,
				OffHoursEnd:   6,
				Window:        1 * time.Hour,
				EscalateCount: 3,
			},
		},
		Analysis: AnalysisConfig{
			Workers:          4,
			Timeout:          2 * time.Minute,
			CommitTimeout:    30 * time.Second,
			Interval:         0,
			FingerprintCache: 100000,
		},
		API: APIConfig{Enabled: true, Addr: ":8080", CORSOrigins: []string{"*"}, MaxBodyBytes: 2 << 20},
		Auth: AuthConfig{
			Enabled:    true,
			TokenTTL:   2 * time.Hour,
			Issuer:     "threatwatch",
			Users:      []UserConfig{{Username: "admin", Password: "adminpassword", Role: "admin"}},
			LoginRate:  1,
			LoginBurst: 5,
		},
		Storage: StorageConfig{Driver: "memory"},
		Notify: NotifyConfig{
			NATS:  NATSConfig{Enabled: false, URL: "nats://localhost:4222", Subject: "threats.detected"},
			Kafka: KafkaNotifyConfig{Enabled: false, Topic: "threats"},
		},
		History: HistoryConfig{StoreLimit: 100},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and THREATWATCH_* overrides, for
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = def.Ingest.BatchSize
	}
	if cfg.Ingest.FlushInterval <= 0 {
		cfg.Ingest.FlushInterval = def.Ingest.FlushInterval
	}
	if cfg.Ingest.FileTail.PollInterval <= 0 {
		cfg.Ingest.FileTail.PollInterval = def.Ingest.FileTail.PollInterval
	}
	if cfg.Ingest.Kafka.StartOffset == "" {
		cfg.Ingest.Kafka.StartOffset = def.Ingest.Kafka.StartOffset
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Detection.Timezone == "" {
		cfg.Detection.Timezone = "UTC"
	}
	if cfg.Analysis.Workers <= 0 {
		cfg.Analysis.Workers = def.Analysis.Workers
	}
	if cfg.Analysis.Timeout <= 0 {
		cfg.Analysis.Timeout = def.Analysis.Timeout
	}
	if cfg.Analysis.CommitTimeout <= 0 {
		cfg.Analysis.CommitTimeout = def.Analysis.CommitTimeout
	}
	if cfg.Analysis.FingerprintCache <= 0 {
		cfg.Analysis.FingerprintCache = def.Analysis.FingerprintCache
	}
	if cfg.API.MaxBodyBytes <= 0 {
		cfg.API.MaxBodyBytes = def.API.MaxBodyBytes
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = def.Auth.TokenTTL
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = def.Auth.Issuer
	}
	if cfg.Auth.LoginRate <= 0 {
		cfg.Auth.LoginRate = def.Auth.LoginRate
	}
	if cfg.Auth.LoginBurst <= 0 {
		cfg.Auth.LoginBurst = def.Auth.LoginBurst
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Notify.NATS.Subject == "" {
		cfg.Notify.NATS.Subject = def.Notify.NATS.Subject
	}
	if cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = def.Notify.Kafka.Topic
	}
	if cfg.History.StoreLimit <= 0 {
		cfg.History.StoreLimit = def.History.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog requires udp_addr or tcp_addr")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Ingest.Kafka.StartOffset) {
	case "first", "last":
	default:
		return fmt.Errorf("ingest.kafka.start_offset must be first or last, got %q", cfg.Ingest.Kafka.StartOffset)
	}
	if cfg.Notify.Kafka.Enabled && len(cfg.Notify.Kafka.Brokers) == 0 {
		return errors.New("notify.kafka requires brokers")
	}
	if cfg.Notify.NATS.Enabled && cfg.Notify.NATS.URL == "" {
		return errors.New("notify.nats requires url")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	if _, err := time.LoadLocation(cfg.Detection.Timezone); err != nil {
		return fmt.Errorf("detection.timezone: %w", err)
	}
	for _, cidr := range cfg.Detection.InternalNetworks {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("detection.internal_networks contains invalid prefix %q", cidr)
		}
	}
	d := cfg.Detection
	if d.CredentialStuffing.Enabled {
		if d.CredentialStuffing.Window <= 0 || d.CredentialStuffing.MinFailures <= 0 || d.CredentialStuffing.MinDistinctIPs <= 0 {
			return errors.New("detection.credential_stuffing requires positive window, min_failures, min_distinct_ips")
		}
	}
	if d.PrivilegeEscalation.Enabled && d.PrivilegeEscalation.Window <= 0 {
		return errors.New("detection.privilege_escalation.window must be > 0")
	}
	if d.AccountTakeover.Enabled && d.AccountTakeover.Window <= 0 {
		return errors.New("detection.account_takeover.window must be > 0")
	}
	if d.DataExfiltration.Enabled {
		if d.DataExfiltration.Window <= 0 || d.DataExfiltration.MinDistinctFiles <= 0 {
			return errors.New("detection.data_exfiltration requires positive window and min_distinct_files")
		}
	}
	if d.InsiderThreat.Enabled {
		if !validHour(d.InsiderThreat.OffHoursStart) || !validHour(d.InsiderThreat.OffHoursEnd) {
			return errors.New("detection.insider_threat off hours must be within 0..23")
		}
		if d.InsiderThreat.OffHoursStart == d.InsiderThreat.OffHoursEnd {
			return errors.New("detection.insider_threat off_hours_start and off_hours_end must differ")
		}
	}
	if cfg.Auth.Enabled {
		for _, u := range cfg.Auth.Users {
			if u.Username == "" || (u.Password == "" && u.PasswordHash == "") {
				return errors.New("auth.users entries need username and password or password_hash")
			}
		}
	}
	return nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config without a backing file. Reload,
// Update and Watch are no-ops on it.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
