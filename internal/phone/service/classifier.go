package service

import (
	"sort"
	"strings"

	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
)

type classifier struct {
	homeCountry string
	prefixes    []phonedomain.CarrierPrefix
}

func NewClassifier(homeCountry string, prefixes []phonedomain.CarrierPrefix) phonedomain.Classifier {
	if len(prefixes) == 0 {
		prefixes = phonedomain.DefaultCarrierPrefixes()
	}
	prefixes = append([]phonedomain.CarrierPrefix(nil), prefixes...)
	sort.SliceStable(prefixes, func(i, j int) bool { return len(prefixes[i].Prefix) > len(prefixes[j].Prefix) })

	home := strings.ToUpper(strings.TrimSpace(homeCountry))
	if home == "" {
		home = "GA"
	}
	return &classifier{homeCountry: home, prefixes: prefixes}
}

func (c *classifier) Classify(countryCode, nsn string) phonedomain.Carrier {
	if !strings.EqualFold(strings.TrimSpace(countryCode), c.homeCountry) {
		return phonedomain.CarrierUnknown
	}
	nsn = strings.TrimPrefix(strings.TrimSpace(nsn), "0")
	for _, p := range c.prefixes {
		if strings.HasPrefix(nsn, p.Prefix) {
			return p.Carrier
		}
	}
	return phonedomain.CarrierUnknown
}
