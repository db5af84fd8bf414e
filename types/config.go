package types

import (
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config defines the configuration of a backend bridge. It is usually read from
// a TOML file, see LoadConfig.
type Config struct {
	Bridge  BridgeOptions  `toml:"bridge"`
	Catalog CatalogOptions `toml:"catalog"`
	Cache   CacheOptions   `toml:"cache"`
	SPI     SPIOptions     `toml:"spi"`
	Wasm    WasmLimits     `toml:"wasm"`
}

type BridgeOptions struct {
	// LogLevel is the lowest backend level forwarded to the log, e.g. "debug1" or "notice".
	LogLevel string `toml:"log_level"`
	// DebugErrors logs the full error chain of every translated error at debug1.
	DebugErrors bool `toml:"debug_errors"`
	// TrustedPermissions lists the permissions a trusted function's bundle may require.
	TrustedPermissions []Permission `toml:"trusted_permissions"`
	// Classpaths seeds schema classpaths at startup, schema -> "a:b:c".
	Classpaths map[string]string `toml:"classpaths"`
}

type CatalogOptions struct {
	// BaseDir holds the persistent bundle catalog. Empty keeps the catalog in memory.
	BaseDir string `toml:"base_dir"`
	// Backend names the cometbft-db backend, "goleveldb" or "memdb".
	Backend string `toml:"backend"`
}

type CacheOptions struct {
	// FunctionCacheSize bounds the number of resolved functions kept around.
	FunctionCacheSize int64 `toml:"function_cache_size"`
}

type SPIOptions struct {
	// DSN is handed to the sqlite driver. Empty means a private in-memory database.
	DSN string `toml:"dsn"`
}

type WasmLimits struct {
	// MemoryLimit caps linear memory of every instantiated bundle.
	MemoryLimit Size `toml:"memory_limit"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Bridge: BridgeOptions{
			LogLevel:           "notice",
			TrustedPermissions: []Permission{PermissionSPI},
		},
		Catalog: CatalogOptions{Backend: "goleveldb"},
		Cache:   CacheOptions{FunctionCacheSize: 1024},
		Wasm:    WasmLimits{MemoryLimit: NewSizeMebi(32)},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not read config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes TOML text on top of DefaultConfig.
func ParseConfig(text string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse config: %w", err)
	}
	return cfg, nil
}

// Size is a byte count. In TOML it is written as a string such as "64MiB".
type Size struct{ uint32 }

func NewSize(v uint32) Size {
	return Size{v}
}

func NewSizeKibi(v uint32) Size {
	return Size{v * 1024}
}

func NewSizeMebi(v uint32) Size {
	return Size{v * 1024 * 1024}
}

func (s Size) Bytes() uint32 { return s.uint32 }

func (s Size) String() string {
	return humanize.IBytes(uint64(s.uint32))
}

func (s *Size) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	if v > math.MaxUint32 {
		return fmt.Errorf("size %s exceeds 4GiB", text)
	}
	s.uint32 = uint32(v)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
