package resolver

import (
	"context"
	"strings"

	"github.com/smallbiznis/smsgate/internal/config"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
)

// Catalog resolves from the hot-reloaded providers.yml catalog.
type Catalog struct {
	holder *config.ProviderCatalogHolder
}

func NewCatalog(holder *config.ProviderCatalogHolder) *Catalog {
	return &Catalog{holder: holder}
}

func (c *Catalog) ResolveForCarrier(_ context.Context, carrier phonedomain.Carrier) (*providerdomain.ProviderConfig, error) {
	if c == nil || c.holder == nil {
		return nil, nil
	}
	for _, entry := range c.holder.Get().Providers {
		if !entry.Active || !strings.EqualFold(entry.Carrier, string(carrier)) {
			continue
		}
		cfg := fromEntry(entry)
		return &cfg, nil
	}
	return nil, nil
}

func fromEntry(entry config.ProviderEntry) providerdomain.ProviderConfig {
	creds := make(map[string]string, len(entry.Credentials))
	for k, v := range entry.Credentials {
		creds[k] = v
	}
	kind := providerdomain.Kind(strings.ToLower(strings.TrimSpace(entry.Kind)))
	if kind == "" {
		kind = providerdomain.KindHTTPPrefix
	}
	return providerdomain.ProviderConfig{
		Code:          strings.TrimSpace(entry.Code),
		Kind:          kind,
		Carrier:       phonedomain.Carrier(strings.ToLower(strings.TrimSpace(entry.Carrier))),
		Endpoint:      entry.Endpoint,
		SenderID:      entry.SenderID,
		SuccessMarker: entry.SuccessMarker,
		Credentials:   creds,
		UnitCost:      entry.UnitCost,
		Timeout:       entry.Timeout,
		RatePerSecond: entry.RatePerSecond,
		Active:        entry.Active,
		Source:        providerdomain.SourceCatalog,
	}
}
