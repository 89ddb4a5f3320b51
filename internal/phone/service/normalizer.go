package service

import (
	"sort"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
)

type NormalizerConfig struct {
	DialCodes []phonedomain.DialCode
	// DefaultCountry is an ISO alpha-2 code used for numbers written without a dial code.
	DefaultCountry string
	// LibraryFallback validates international numbers outside DialCodes with libphonenumber metadata.
	LibraryFallback bool
}

type normalizer struct {
	table          []phonedomain.DialCode
	defaultCountry *phonedomain.DialCode
	fallback       bool
}

func NewNormalizer(cfg NormalizerConfig) phonedomain.Normalizer {
	table := cfg.DialCodes
	if len(table) == 0 {
		table = phonedomain.DefaultDialCodes()
	}
	table = append([]phonedomain.DialCode(nil), table...)
	// Longest dial code wins when codes share a prefix.
	sort.SliceStable(table, func(i, j int) bool { return len(table[i].Code) > len(table[j].Code) })

	for i := range table {
		if table[i].Country == "" {
			if n, err := strconv.Atoi(table[i].Code); err == nil {
				table[i].Country = phonenumbers.GetRegionCodeForCountryCode(n)
			}
		}
	}

	n := &normalizer{table: table, fallback: cfg.LibraryFallback}
	want := strings.ToUpper(strings.TrimSpace(cfg.DefaultCountry))
	for i := range table {
		if want != "" && table[i].Country == want {
			dc := table[i]
			n.defaultCountry = &dc
			break
		}
	}
	return n
}

func (n *normalizer) Normalize(raw string) phonedomain.NormalizedPhone {
	out := phonedomain.NormalizedPhone{Raw: raw, Carrier: phonedomain.CarrierUnknown}

	digits, international := cleanDigits(raw)
	if digits == "" {
		return out
	}
	if !international && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		international = true
	}

	if dc, nsn, ok := n.matchDialCode(digits); ok {
		return valid(out, dc, nsn)
	}

	if international {
		if n.fallback {
			if res, ok := libraryNormalize(out, digits); ok {
				return res
			}
		}
		return out
	}

	if n.defaultCountry != nil {
		nsn := strings.TrimPrefix(digits, "0")
		if n.defaultCountry.Accepts(nsn) {
			return valid(out, *n.defaultCountry, nsn)
		}
	}
	return out
}

func (n *normalizer) matchDialCode(digits string) (phonedomain.DialCode, string, bool) {
	for _, dc := range n.table {
		if !strings.HasPrefix(digits, dc.Code) {
			continue
		}
		nsn := strings.TrimPrefix(digits[len(dc.Code):], "0")
		if dc.Accepts(nsn) {
			return dc, nsn, true
		}
	}
	return phonedomain.DialCode{}, "", false
}

func valid(out phonedomain.NormalizedPhone, dc phonedomain.DialCode, nsn string) phonedomain.NormalizedPhone {
	out.DialCode = dc.Code
	out.CountryCode = dc.Country
	out.NationalNumber = nsn
	out.E164 = "+" + dc.Code + nsn
	out.IsValid = true
	return out
}

func libraryNormalize(out phonedomain.NormalizedPhone, digits string) (phonedomain.NormalizedPhone, bool) {
	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return out, false
	}
	out.DialCode = strconv.Itoa(int(num.GetCountryCode()))
	out.CountryCode = phonenumbers.GetRegionCodeForNumber(num)
	out.NationalNumber = phonenumbers.GetNationalSignificantNumber(num)
	out.E164 = phonenumbers.Format(num, phonenumbers.E164)
	out.IsValid = true
	return out, true
}

// cleanDigits keeps digits only and reports whether the input started with '+'.
func cleanDigits(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	international := strings.HasPrefix(trimmed, "+")

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String(), international
}
