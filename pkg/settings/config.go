package settings

import (
	"os"

	"github.com/go-playground/validator/v10"
)

// Heap formats accepted by Storage.HeapFormat.
const (
	HeapFlat    = "flat"
	HeapSlotted = "slotted"
)

type Config struct {
	Storage Storage `mapstructure:"storage" validate:"required"`
	Logger  Logger  `mapstructure:"logger"`
}

// Storage is the configuration for one index/heap file pair
type Storage struct {
	Name       string      `mapstructure:"name" validate:"required"`
	Create     bool        `mapstructure:"create"`
	Truncate   bool        `mapstructure:"truncate"`
	Perm       os.FileMode `mapstructure:"perm"`
	Order      int         `mapstructure:"order" validate:"omitempty,min=3,max=127"`
	HeapFormat string      `mapstructure:"heap_format" validate:"omitempty,oneof=flat slotted"`
	NoWait     bool        `mapstructure:"no_wait"` // fail with lock contention instead of blocking
	Sync       bool        `mapstructure:"sync"`    // fsync both files after every mutation
}

// Logger is the configuration for the logger
type Logger struct {
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	FileLogName string `mapstructure:"file_log_name"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge      int    `mapstructure:"max_age" validate:"gte=0"`
	MaxSize     int    `mapstructure:"max_size" validate:"gte=0"`
	Compress    bool   `mapstructure:"compress"`
}

// Default returns a configuration for name with every optional field set.
func Default(name string) Config {
	return Config{
		Storage: Storage{
			Name:       name,
			Create:     true,
			Perm:       0o644,
			Order:      127,
			HeapFormat: HeapFlat,
		},
		Logger: Logger{
			LogLevel:   "info",
			MaxBackups: 3,
			MaxAge:     28,
			MaxSize:    100,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c against its struct tags.
func Validate(c *Config) error {
	return validate.Struct(c)
}
