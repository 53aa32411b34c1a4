package dynlistener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel     string `yaml:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	LogFormat    string `yaml:"log_format" toml:"log_format" validate:"omitempty,oneof=json console"`
	MaxOpenFiles uint64 `yaml:"max_open_files" toml:"max_open_files"`
}

// Params is the listener configuration. It is read once at construction.
// Zero numeric values take the defaults of DefaultParams.
type Params struct {
	Address                string `yaml:"listen_address" toml:"listen_address" validate:"required"`
	Backlog                int    `yaml:"backlog" toml:"backlog" validate:"min=0"`
	MaxConnections         int    `yaml:"max_connections" toml:"max_connections" validate:"min=1"`
	MaxQueueDepth          int    `yaml:"max_queue_depth" toml:"max_queue_depth" validate:"min=1"`
	Workers                int    `yaml:"workers" toml:"workers" validate:"min=1"`
	PollBatch              int    `yaml:"poll_batch" toml:"poll_batch" validate:"min=1"`
	WaitTimeoutMs          int    `yaml:"wait_timeout_ms" toml:"wait_timeout_ms" validate:"min=1"`
	ThrottleSleepUs        int    `yaml:"throttle_sleep_us" toml:"throttle_sleep_us" validate:"min=1"`
	CycleMaxThrottles      int    `yaml:"cycle_max_throttles" toml:"cycle_max_throttles" validate:"min=1"`
	MaxAcceptsPerInterval  int    `yaml:"max_accepts_per_interval" toml:"max_accepts_per_interval" validate:"min=0"`
	AcceptIntervalMs       int    `yaml:"accept_interval_ms" toml:"accept_interval_ms" validate:"min=1"`
	QueueWaitWarnMs        int    `yaml:"queue_wait_warn_ms" toml:"queue_wait_warn_ms" validate:"min=1"`
	HousekeepingIntervalMs int    `yaml:"housekeeping_interval_ms" toml:"housekeeping_interval_ms" validate:"min=1"`
	ShutdownTimeoutMs      int    `yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms" validate:"min=1"`
	ClockResolutionMs      int    `yaml:"clock_resolution_ms" toml:"clock_resolution_ms" validate:"min=1"`
	ReadBufferSize         int    `yaml:"read_buffer_size" toml:"read_buffer_size" validate:"min=512"`
	MaxReadsPerEvent       int    `yaml:"max_reads_per_event" toml:"max_reads_per_event" validate:"min=1"`
	SendBufferSize         int    `yaml:"send_buffer" toml:"send_buffer" validate:"min=0"`
	ReceiveBufferSize      int    `yaml:"receive_buffer" toml:"receive_buffer" validate:"min=0"`
	SendTimeoutMs          int    `yaml:"send_timeout_ms" toml:"send_timeout_ms" validate:"min=0"`
	HandshakeTimeoutMs     int    `yaml:"handshake_timeout_ms" toml:"handshake_timeout_ms" validate:"min=1"`
	ReusePort              bool   `yaml:"reuse_port" toml:"reuse_port"`
	NoDelay                bool   `yaml:"tcp_nodelay" toml:"tcp_nodelay" default:"true"`
}

type TLSConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	CertPath         string `yaml:"cert_path" toml:"cert_path" validate:"required_if=Enabled true"`
	KeyPath          string `yaml:"key_path" toml:"key_path" validate:"required_if=Enabled true"`
	CACertPath       string `yaml:"ca_cert_path" toml:"ca_cert_path"`
	ClientAuth       bool   `yaml:"client_auth" toml:"client_auth"`
	OCSPStaple       bool   `yaml:"ocsp_staple" toml:"ocsp_staple"`
	OCSPResponderURL string `yaml:"ocsp_responder_url" toml:"ocsp_responder_url" validate:"omitempty,url"`
}

type ServiceConfig struct {
	Kind             string `yaml:"kind" toml:"kind" validate:"oneof=echo cache"`
	MaxLineLength    int    `yaml:"max_line_length" toml:"max_line_length" validate:"min=1"`
	CacheMaxCost     int64  `yaml:"cache_max_cost" toml:"cache_max_cost" validate:"min=1"`
	CacheNumCounters int64  `yaml:"cache_num_counters" toml:"cache_num_counters" validate:"min=1"`
	CacheShards      int    `yaml:"cache_shards" toml:"cache_shards" validate:"min=1"`
}

type Config struct {
	Global   Global        `yaml:"global" toml:"global"`
	Listener Params        `yaml:"listener" toml:"listener"`
	TLS      TLSConfig     `yaml:"tls" toml:"tls"`
	Service  ServiceConfig `yaml:"service" toml:"service"`
}

func DefaultParams() Params {
	return Params{
		MaxConnections:         6000,
		MaxQueueDepth:          128,
		Workers:                8,
		PollBatch:              128,
		WaitTimeoutMs:          200,
		ThrottleSleepUs:        4000,
		CycleMaxThrottles:      40,
		AcceptIntervalMs:       1000,
		QueueWaitWarnMs:        1000,
		HousekeepingIntervalMs: 5000,
		ShutdownTimeoutMs:      5000,
		ClockResolutionMs:      100,
		ReadBufferSize:         16384,
		MaxReadsPerEvent:       16,
		SendBufferSize:         16384,
		ReceiveBufferSize:      32768,
		SendTimeoutMs:          10000,
		HandshakeTimeoutMs:     5000,
		NoDelay:                true,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Global: Global{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Listener: DefaultParams(),
		Service: ServiceConfig{
			Kind:             "echo",
			MaxLineLength:    defMaxLineLength,
			CacheMaxCost:     64 << 20,
			CacheNumCounters: 1 << 20,
			CacheShards:      4,
		},
	}
}

// LoadConfig reads a .toml, .yaml or .yml file on top of the defaults and
// validates the result.
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		err = toml.Unmarshal(file, config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, config)
	default:
		return nil, configError("path", fmt.Errorf("unsupported config format %q", filepath.Ext(filePath)))
	}
	if err != nil {
		return nil, configError("path", fmt.Errorf("parse %s: %w", filePath, err))
	}
	config.Listener = config.Listener.withDefaults()
	config.Service = config.Service.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report the config keys instead of the Go field names
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("toml"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	return c.Listener.validateAddress()
}

// Validate checks the fields and that the address resolves.
func (p Params) Validate() error {
	if err := validateStruct(p); err != nil {
		return err
	}
	return p.validateAddress()
}

func (p Params) validateAddress() error {
	if _, err := p.TCPAddr(); err != nil {
		return configError("listen_address", err)
	}
	return nil
}

func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fe := fieldErrors[0]
		return configError(fe.Namespace(), fmt.Errorf("failed on the %q rule (%s)", fe.Tag(), fe.Param()))
	}
	return configError("", err)
}

func (p Params) TCPAddr() (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", p.Address)
}

// withDefaults fills zero numeric fields.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	fill := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&p.MaxConnections, d.MaxConnections)
	fill(&p.MaxQueueDepth, d.MaxQueueDepth)
	fill(&p.Workers, d.Workers)
	fill(&p.PollBatch, d.PollBatch)
	fill(&p.WaitTimeoutMs, d.WaitTimeoutMs)
	fill(&p.ThrottleSleepUs, d.ThrottleSleepUs)
	fill(&p.CycleMaxThrottles, d.CycleMaxThrottles)
	fill(&p.AcceptIntervalMs, d.AcceptIntervalMs)
	fill(&p.QueueWaitWarnMs, d.QueueWaitWarnMs)
	fill(&p.HousekeepingIntervalMs, d.HousekeepingIntervalMs)
	fill(&p.ShutdownTimeoutMs, d.ShutdownTimeoutMs)
	fill(&p.ClockResolutionMs, d.ClockResolutionMs)
	fill(&p.ReadBufferSize, d.ReadBufferSize)
	fill(&p.MaxReadsPerEvent, d.MaxReadsPerEvent)
	fill(&p.SendBufferSize, d.SendBufferSize)
	fill(&p.ReceiveBufferSize, d.ReceiveBufferSize)
	fill(&p.SendTimeoutMs, d.SendTimeoutMs)
	fill(&p.HandshakeTimeoutMs, d.HandshakeTimeoutMs)
	return p
}

func (s ServiceConfig) withDefaults() ServiceConfig {
	if s.Kind == "" {
		s.Kind = "echo"
	}
	if s.MaxLineLength == 0 {
		s.MaxLineLength = defMaxLineLength
	}
	if s.CacheMaxCost == 0 {
		s.CacheMaxCost = 64 << 20
	}
	if s.CacheNumCounters == 0 {
		s.CacheNumCounters = 1 << 20
	}
	if s.CacheShards == 0 {
		s.CacheShards = 4
	}
	return s
}

func (p Params) WaitTimeout() time.Duration {
	return time.Duration(p.WaitTimeoutMs) * time.Millisecond
}

func (p Params) ThrottleSleep() time.Duration {
	return time.Duration(p.ThrottleSleepUs) * time.Microsecond
}

func (p Params) AcceptInterval() time.Duration {
	return time.Duration(p.AcceptIntervalMs) * time.Millisecond
}

func (p Params) QueueWaitWarning() time.Duration {
	return time.Duration(p.QueueWaitWarnMs) * time.Millisecond
}

func (p Params) HousekeepingInterval() time.Duration {
	return time.Duration(p.HousekeepingIntervalMs) * time.Millisecond
}

func (p Params) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutMs) * time.Millisecond
}

func (p Params) ClockResolution() time.Duration {
	return time.Duration(p.ClockResolutionMs) * time.Millisecond
}

func (p Params) SendTimeout() time.Duration {
	return time.Duration(p.SendTimeoutMs) * time.Millisecond
}

func (p Params) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutMs) * time.Millisecond
}
