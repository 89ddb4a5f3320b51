package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ProviderEntry is one gateway definition from providers.yml.
type ProviderEntry struct {
	Code          string            `mapstructure:"code"`
	Kind          string            `mapstructure:"kind"`
	Carrier       string            `mapstructure:"carrier"`
	Endpoint      string            `mapstructure:"endpoint"`
	SenderID      string            `mapstructure:"sender_id"`
	SuccessMarker string            `mapstructure:"success_marker"`
	UnitCost      int64             `mapstructure:"unit_cost"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RatePerSecond float64           `mapstructure:"rate_per_second"`
	Active        bool              `mapstructure:"active"`
	Credentials   map[string]string `mapstructure:"credentials"`
}

type ProviderCatalog struct {
	Providers []ProviderEntry `mapstructure:"providers"`
}

// ProviderCatalogHolder keeps the latest valid catalog and swaps it on file change.
type ProviderCatalogHolder struct {
	current atomic.Value // holds ProviderCatalog
}

// NewStaticProviderCatalog wraps a fixed catalog, mostly for tests.
func NewStaticProviderCatalog(catalog ProviderCatalog) *ProviderCatalogHolder {
	holder := &ProviderCatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func NewProviderCatalogHolder(cfg Config, log *zap.Logger) (*ProviderCatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.providers")

	v := viper.New()
	if cfg.ProviderCatalogPath != "" {
		v.SetConfigFile(cfg.ProviderCatalogPath)
	} else {
		v.SetConfigName("providers")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/smsgate/config")
		v.AddConfigPath("/etc/smsgate")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SMSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ProviderCatalogHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("provider catalog not found, relying on database configs")
		holder.current.Store(ProviderCatalog{})
		return holder, nil
	}

	var catalog ProviderCatalog
	if err := v.Unmarshal(&catalog); err != nil {
		return nil, err
	}
	if err := validateProviderCatalog(catalog); err != nil {
		return nil, err
	}
	holder.current.Store(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ProviderCatalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("provider catalog reload failed", zap.Error(err))
			return
		}
		if err := validateProviderCatalog(updated); err != nil {
			log.Warn("invalid provider catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("provider catalog reloaded", zap.String("file", e.Name), zap.Int("providers", len(updated.Providers)))
	})

	return holder, nil
}

func (h *ProviderCatalogHolder) Get() ProviderCatalog {
	if h == nil {
		return ProviderCatalog{}
	}
	catalog, _ := h.current.Load().(ProviderCatalog)
	return catalog
}

func validateProviderCatalog(catalog ProviderCatalog) error {
	seen := make(map[string]struct{}, len(catalog.Providers))
	for i, entry := range catalog.Providers {
		code := strings.TrimSpace(entry.Code)
		if code == "" {
			return fmt.Errorf("providers[%d].code cannot be empty", i)
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("providers[%d].code %q is duplicated", i, code)
		}
		seen[code] = struct{}{}
		if strings.TrimSpace(entry.Carrier) == "" {
			return fmt.Errorf("providers[%d].carrier cannot be empty", i)
		}
		if entry.UnitCost < 0 {
			return fmt.Errorf("providers[%d].unit_cost cannot be negative", i)
		}
	}
	return nil
}
