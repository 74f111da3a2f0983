// Package config parses the replication system's configuration file: the
// option surface from spec.md section 6 (common/controller/xrootd/worker
// sections plus per-worker and per-family overrides), using gopkg.in/yaml.v3
// the way cuemby-warren's go.mod pulls it in for structured config files.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level parsed configuration.
type Config struct {
	Common     Common                    `yaml:"common"`
	Controller Controller                `yaml:"controller"`
	Xrootd     Xrootd                    `yaml:"xrootd"`
	Worker     WorkerDefaults            `yaml:"worker"`
	Workers    map[string]WorkerOverride `yaml:"workers"`
	Families   map[string]Family         `yaml:"families"`
}

// Common holds the options under `common.*`. Workers/Databases/
// DatabaseFamilies are whitespace-separated name lists, matching the
// underlying system's native `.cnf` option format; use Fields to split one.
type Common struct {
	Workers                 string `yaml:"workers"`
	Databases               string `yaml:"databases"`
	DatabaseFamilies        string `yaml:"database_families"`
	RequestBufSizeBytes     int    `yaml:"request_buf_size_bytes"`
	RequestRetryIntervalSec int    `yaml:"request_retry_interval_sec"`
	DatabaseHost            string `yaml:"database_host"`
	DatabasePort            int    `yaml:"database_port"`
	DatabaseUser            string `yaml:"database_user"`
	DatabasePassword        string `yaml:"database_password"`
	DatabaseName            string `yaml:"database_name"`
}

// Fields splits a whitespace-separated name list option into its elements.
func Fields(list string) []string {
	return strings.Fields(list)
}

// Controller holds `controller.*`.
type Controller struct {
	NumThreads          int `yaml:"num_threads"`
	HTTPServerPort      int `yaml:"http_server_port"`
	HTTPServerThreads   int `yaml:"http_server_threads"`
	RequestTimeoutSec   int `yaml:"request_timeout_sec"`
	JobTimeoutSec       int `yaml:"job_timeout_sec"`
	JobHeartbeatSec     int `yaml:"job_heartbeat_sec"`
}

// Xrootd holds `xrootd.*`.
type Xrootd struct {
	AutoNotify        bool   `yaml:"auto_notify"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// WorkerDefaults holds the `worker.*` section applied to every worker
// unless overridden in Workers.
type WorkerDefaults struct {
	Technology              string `yaml:"technology"`
	NumSvcProcessingThreads int    `yaml:"num_svc_processing_threads"`
	NumFsProcessingThreads  int    `yaml:"num_fs_processing_threads"`
	FsBufSizeBytes          int    `yaml:"fs_buf_size_bytes"`
	SvcPort                 int    `yaml:"svc_port"`
	FsPort                  int    `yaml:"fs_port"`
	// TaskPort is the query-plane (C11 task runner) listening port,
	// distinct from SvcPort (C5/C7 control requests) and FsPort (C6 file
	// transfers): each rides its own connection-per-unit-of-work protocol.
	TaskPort int `yaml:"task_port"`
	// MetricsPort serves /metrics for prometheus scraping.
	MetricsPort int `yaml:"metrics_port"`
	// DataDir supports a "{worker}" substitution token, expanded by
	// DataDirFor.
	DataDir string `yaml:"data_dir"`
}

// DataDirFor expands the "{worker}" token in DataDir for workerName.
func (w WorkerDefaults) DataDirFor(workerName string) string {
	return strings.ReplaceAll(w.DataDir, "{worker}", workerName)
}

// WorkerOverride holds a per-worker override of WorkerDefaults fields.
type WorkerOverride struct {
	IsEnabled  *bool  `yaml:"is_enabled"`
	IsReadOnly *bool  `yaml:"is_read_only"`
	SvcHost    string `yaml:"svc_host"`
	SvcPort    int    `yaml:"svc_port"`
	FsHost     string `yaml:"fs_host"`
	FsPort     int    `yaml:"fs_port"`
	TaskHost   string `yaml:"task_host"`
	TaskPort   int    `yaml:"task_port"`
	DataDir    string `yaml:"data_dir"`
}

// DefaultMinReplicationLevel is used for a family with no explicit
// min_replication_level.
const DefaultMinReplicationLevel = 2

// Family holds a per-family override, `families.<name>.*`.
type Family struct {
	MinReplicationLevelConfigured int `yaml:"min_replication_level"`
}

// MinReplicationLevel returns f's configured level, or
// DefaultMinReplicationLevel if unset.
func (f Family) MinReplicationLevel() int {
	if f.MinReplicationLevelConfigured == 0 {
		return DefaultMinReplicationLevel
	}
	return f.MinReplicationLevelConfigured
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
