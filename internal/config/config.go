// Package config loads the kernel's launch configuration from TOML,
// mirroring the teacher's own node config loader (naoina/toml). Only
// AdminListen has a urfave/cli.v1 flag (--admin-listen) that overrides the
// file value; no other field is exposed as a flag.
package config

import (
	"bufio"
	"hash/fnv"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
)

// tomlSettings uses Go struct field names verbatim as TOML keys, the same
// convention cmd/gprobe's config loader applies.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
}

// Config is the kernel's launch configuration.
type Config struct {
	StorePath      string
	AdminListen    string
	MetricsListen  string
	InfluxURL      string
	InfluxDatabase string
	WorkerBasePort uint16
	DefaultWorker  WorkerDefaults
	Subclusters    []SubclusterConfig
}

// WorkerDialPort derives a stable loopback port for a vat worker's
// WebSocket listener from its endpoint id, so a restarted kernel dials
// the same port for the same vat. The port is not passed to the worker
// process; its command line is started as configured.
func (c Config) WorkerDialPort(id refs.EndpointId) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.WorkerBasePort + uint16(h.Sum32()%1000)
}

// WorkerDefaults seeds VatConfig for vats launched without an explicit
// per-vat override.
type WorkerDefaults struct {
	Command      []string
	MemoryBudget uint64
}

// SubclusterConfig is one bootstrap manifest entry read from the kernel's
// launch config (spec §10.3's "subcluster bootstrap manifests").
type SubclusterConfig struct {
	Name         string
	BootstrapVat string
	Vats         []string
}

// Default returns the zero-value config with sane fallbacks, used when no
// config file is supplied.
func Default() Config {
	return Config{
		StorePath:      "./vatkernel-data",
		AdminListen:    "127.0.0.1:8090",
		InfluxDatabase: "vatkernel",
		WorkerBasePort: 20000,
		DefaultWorker:  WorkerDefaults{MemoryBudget: 512 << 20},
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	cfg := Default()
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
