package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config structs

type Config struct {
	IsDebug bool `yaml:"is_debug"`

	DataDir string `yaml:"data_dir"`

	MySQL  MySQL  `yaml:"mysql"`
	Redis  Redis  `yaml:"redis"`
	Etcd   Etcd   `yaml:"etcd"`
	Nats   Nats   `yaml:"nats"`
	Engine Engine `yaml:"engine"`

	Env Env `yaml:"env"`
}

type MySQL struct {
	Main MySQLServer `yaml:"main"`
}

type MySQLServer struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Pass         string `yaml:"pass"`
	DB           string `yaml:"db"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type Redis struct {
	Main RedisServer `yaml:"main"`
}

type RedisServer struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Pass    string `yaml:"pass"`
	Timeout int    `yaml:"timeout"`
}

type Etcd struct {
	Main EtcdServer `yaml:"main"`
}

type EtcdServer struct {
	Enable bool   `yaml:"enable"`
	Url    string `yaml:"url"`
}

type Nats struct {
	Main NatsServer `yaml:"main"`
}

type NatsServer struct {
	Enabled bool   `yaml:"enabled"`
	Url     string `yaml:"url"`
	Stream  string `yaml:"stream"`
}

// Engine holds the OMS/EMS loop tunables shared by every instance.
type Engine struct {
	BatchSize           int   `yaml:"batch_size"`            // queue messages drained per topic per cycle
	PollTimeoutMS       int   `yaml:"poll_timeout_ms"`       // sleep between cycles
	ReminderIntervalMin int   `yaml:"reminder_interval_min"` // manual-RFQ reminder throttle
	OrphanTimeoutSec    int   `yaml:"orphan_timeout_sec"`    // unowned ticket age before OMS reassigns
	LeaseTTLSec         int64 `yaml:"lease_ttl_sec"`

	// DefaultVenue is the venue class used when a company profile names none.
	DefaultVenue string `yaml:"default_venue"`

	// EMSPool maps a venue class to the logical EMS ids the OMS may assign to.
	EMSPool map[string][]string `yaml:"ems_pool"`
}

type Env struct {
	XlogMode  string `yaml:"xlog_mode"`
	XlogColor bool   `yaml:"xlog_color"`
}

// Global variables

const DEVDATA = "/usr/local/oems/devdata"

var Shared *Config // single instance of the config

var (
	fConfig string // config file path
)

func init() {
	flag.StringVar(&fConfig, "config", "", "specify the config file")
}

// Initialize the Shared config with the given config file path
func Init(configFile string) {
	file, err := os.Open(configFile)
	if err != nil {
		panic(err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	err = decoder.Decode(&Shared)
	if err != nil {
		panic(err)
	}

	Shared.Engine.FillDefaults()
}

// Initialize the Shared config with the default config file path
func EasyInit() {
	fpath := fConfig
	if fpath == "" {
		fpath = "config/config.yml"
	}

	// if the config file does not exist, use the default config file path
	if _, err := os.Stat(fpath); os.IsNotExist(err) {
		fpath = DEVDATA + "/config.yml"
		printf(fmt.Sprintf("use config: %s (DEVDATA)", fpath))
	} else {
		printf(fmt.Sprintf("use config: %s", fpath))
	}

	// initialize the config
	Init(fpath)
}

// FillDefaults applies engine defaults for fields left zero in the yaml.
func (e *Engine) FillDefaults() {
	if e.BatchSize <= 0 {
		e.BatchSize = 32
	}
	if e.PollTimeoutMS <= 0 {
		e.PollTimeoutMS = 1000
	}
	if e.ReminderIntervalMin <= 0 {
		e.ReminderIntervalMin = 15
	}
	if e.OrphanTimeoutSec <= 0 {
		e.OrphanTimeoutSec = 120
	}
	if e.LeaseTTLSec <= 0 {
		e.LeaseTTLSec = 15
	}
	if e.DefaultVenue == "" {
		e.DefaultVenue = "generic"
	}
}

// Print the given string to the standard output
func printf(s string) {
	fmt.Printf("%s %s\n", time.Now().Format("2006/01/02 15:04:05"), s)
}
