package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/taskup/outbox/cmd/util"
	apiHttp "github.com/taskup/outbox/internal/api/http"
	"github.com/taskup/outbox/internal/connectivity"
	"github.com/taskup/outbox/internal/connectivity/probe"
	"github.com/taskup/outbox/internal/coordinator"
	"github.com/taskup/outbox/internal/kv"
	"github.com/taskup/outbox/internal/kv/memory"
	"github.com/taskup/outbox/internal/kv/postgres"
	"github.com/taskup/outbox/internal/kv/sqlite"
	"github.com/taskup/outbox/internal/queue"
	remoteHttp "github.com/taskup/outbox/internal/remote/http"
)

type Config struct {
	Store        Store              `flag:"store"`
	Remote       remoteHttp.Config  `flag:"remote"`
	Connectivity Connectivity       `flag:"connectivity"`
	Sync         coordinator.Config `flag:"sync"`
	API          apiHttp.Config     `flag:"api"`
	MetricsPort  int                `flag:"metrics-port" desc:"prometheus metrics server port, 0 disables the server" default:"9090"`
	LogLevel     string             `flag:"log-level" desc:"can be one of: debug, info, warn, error, off" default:"info"`
	LogFormat    string             `flag:"log-format" desc:"can be one of: text, json" default:"text"`
}

func (c *Config) Bind(flg *pflag.FlagSet, vip *viper.Viper) error {
	return util.Bind(c, flg, vip, "", "")
}

func (c *Config) Parse(vip *viper.Viper) error {
	if err := vip.Unmarshal(c, viper.DecodeHook(util.Hooks())); err != nil {
		return err
	}

	// complex defaults
	if c.Connectivity.Probe.Url == "" {
		c.Connectivity.Probe.Url = c.Remote.Url
	}

	return nil
}

// Store

type StoreKind string

const (
	Sqlite   StoreKind = "sqlite"
	Postgres StoreKind = "postgres"
	Memory   StoreKind = "memory"
)

type Store struct {
	Kind     StoreKind       `flag:"kind" desc:"kv store, can be one of: sqlite, postgres, memory" default:"sqlite"`
	Queue    queue.Config    `flag:"-"`
	Sqlite   sqlite.Config   `flag:"sqlite"`
	Postgres postgres.Config `flag:"postgres"`
}

// Bind registers only the store flags, for commands that operate on the
// durable queue without running the sync engine.
func (s *Store) Bind(flg *pflag.FlagSet, vip *viper.Viper) error {
	return util.Bind(s, flg, vip, "store", "Store")
}

func (s *Store) New() (kv.Store, error) {
	switch s.Kind {
	case Sqlite:
		return sqlite.New(&s.Sqlite)
	case Postgres:
		return postgres.New(&s.Postgres)
	case Memory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported store '%s'", s.Kind)
	}
}

// Connectivity

type SignalKind string

const (
	Probe  SignalKind = "probe"
	Manual SignalKind = "manual"
)

type Connectivity struct {
	Kind     SignalKind    `flag:"kind" desc:"connectivity signal, can be one of: probe, manual" default:"probe"`
	Debounce time.Duration `flag:"debounce" desc:"time a connectivity change must hold before it is applied" default:"500ms"`
	Probe    probe.Config  `flag:"probe"`
}

func (c *Connectivity) New() (connectivity.Signal, error) {
	switch c.Kind {
	case Probe:
		return probe.New(&c.Probe)
	case Manual:
		return connectivity.NewManual(), nil
	default:
		return nil, fmt.Errorf("unsupported connectivity signal '%s'", c.Kind)
	}
}
