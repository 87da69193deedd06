// Package kconfig loads boot-time kernel tunables from a TOML file:
// resource limits (feeding limits.Syslimit), the logging sink's level
// and ring size (feeding klog.Config), and a configured interrupt
// count (IrqCount, which cmd/kernelsim reports at boot; userintr.New
// does not take it). Grounded on
// limits.go's own doc comment ("kconfig loads the starting values of
// Syslimit from boot-time TOML") plus the teacher's boot-time syspage
// parsing role (syspage/bootloader-supplied configuration), generalized
// from a hand-assembled boot struct to a TOML file since this core has
// no real bootloader handing it a syspage to parse (explicit
// Non-goal), and a config file is the natural idiomatic-Go substitute
// for tunables a real boot protocol would otherwise carry.
package kconfig

import (
	"github.com/BurntSushi/toml"

	"limits"
)

// / limitsConfig mirrors limits.Syslimit_t's fields as TOML keys,
// / falling back to limits.Default()'s values for any key the file
// / omits.
type limitsConfig struct {
	Sysprocs int64 `toml:"sysprocs"`
	Threads  int64 `toml:"threads"`
	Futexes  int64 `toml:"futexes"`
	Ports    int64 `toml:"ports"`
}

// / logConfig mirrors the fields klog.Config needs from TOML; kconfig
// / does not import klog directly (avoiding a dependency a caller that
// / only wants limits shouldn't need to pull in) — LogLevel/RingSize
// / are handed back as plain fields for the caller to build a
// / klog.Config from.
type logConfig struct {
	Level    string `toml:"level"`
	RingSize int    `toml:"ring_size"`
}

// / uintrConfig holds the configured IRQ count.
type uintrConfig struct {
	Count uint `toml:"irq_count"`
}

// / Config is the parsed contents of a boot TOML file.
type Config struct {
	Limits limitsConfig `toml:"limits"`
	Log    logConfig    `toml:"log"`
	Uintr  uintrConfig  `toml:"uintr"`
}

// / defaultConfig mirrors limits.Default()'s built-in values plus
// / sensible logging/interrupt defaults, used for any key a loaded file
// / omits and as Load's return value when path is empty.
func defaultConfig() Config {
	d := limits.Default()
	return Config{
		Limits: limitsConfig{
			Sysprocs: int64(d.Sysprocs),
			Threads:  int64(d.Threads),
			Futexes:  int64(d.Futexes),
			Ports:    int64(d.Ports),
		},
		Log:   logConfig{Level: "info", RingSize: 64 * 1024},
		Uintr: uintrConfig{Count: 64},
	}
}

// / Load reads path and decodes it over defaultConfig's values, so an
// / omitted table or key keeps its built-in default rather than
// / zeroing out. An empty path returns defaultConfig() unchanged,
// / matching "no boot configuration overrides them" from limits.go's
// / own doc comment.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// / ApplyLimits installs c's limits as the live limits.Syslimit,
// / replacing Default()'s values. Subsystems that already hold a
// / *Syslimit_t pointer from before ApplyLimits runs keep using the
// / stale one — this is meant to run once at boot, before any
// / subsystem has started taking limits against it.
func (c Config) ApplyLimits() {
	limits.Syslimit = &limits.Syslimit_t{
		Sysprocs: limits.Sysatomic_t(c.Limits.Sysprocs),
		Threads:  limits.Sysatomic_t(c.Limits.Threads),
		Futexes:  limits.Sysatomic_t(c.Limits.Futexes),
		Ports:    limits.Sysatomic_t(c.Limits.Ports),
	}
}

// / LogLevel returns the configured logging level string (e.g. "info",
// / "debug"), for a caller to parse with logrus.ParseLevel when
// / building a klog.Config.
func (c Config) LogLevel() string { return c.Log.Level }

// / LogRingSize returns the configured crash-tail ring size in bytes.
func (c Config) LogRingSize() int { return c.Log.RingSize }

// / IrqCount returns the configured number of IRQ lines. No
// / subsystem is sized from it: userintr.Table's handler-id pool and
// / the IRQ numbers Fire accepts are independent of this value.
func (c Config) IrqCount() uint { return c.Uintr.Count }
