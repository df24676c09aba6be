package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing_name", func(c *Config) { c.Storage.Name = "" }, true},
		{"order_too_small", func(c *Config) { c.Storage.Order = 2 }, true},
		{"order_too_large", func(c *Config) { c.Storage.Order = 128 }, true},
		{"order_unset", func(c *Config) { c.Storage.Order = 0 }, false},
		{"slotted_heap", func(c *Config) { c.Storage.HeapFormat = HeapSlotted }, false},
		{"unknown_heap", func(c *Config) { c.Storage.HeapFormat = "paged" }, true},
		{"bad_log_level", func(c *Config) { c.Logger.LogLevel = "trace" }, true},
		{"negative_backups", func(c *Config) { c.Logger.MaxBackups = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default("db")
			tt.mutate(&c)
			err := Validate(&c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
