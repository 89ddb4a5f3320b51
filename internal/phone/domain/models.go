package domain

type Carrier string

const (
	CarrierAirtel  Carrier = "airtel"
	CarrierMoov    Carrier = "moov"
	CarrierUnknown Carrier = "unknown"
)

func (c Carrier) String() string { return string(c) }

// NormalizedPhone is recomputed on every call and never persisted on its own.
type NormalizedPhone struct {
	Raw            string  `json:"raw"`
	E164           string  `json:"e164"`
	CountryCode    string  `json:"country_code"`
	DialCode       string  `json:"dial_code"`
	NationalNumber string  `json:"national_number"`
	Carrier        Carrier `json:"carrier"`
	IsValid        bool    `json:"is_valid"`
}

// DialCode describes one supported country. Length bounds apply to the national significant number.
type DialCode struct {
	Code      string
	Country   string
	MinLength int
	MaxLength int
}

func (d DialCode) Accepts(nsn string) bool {
	return len(nsn) >= d.MinLength && len(nsn) <= d.MaxLength
}

func DefaultDialCodes() []DialCode {
	return []DialCode{
		{Code: "241", Country: "GA", MinLength: 7, MaxLength: 8},
		{Code: "237", Country: "CM", MinLength: 9, MaxLength: 9},
		{Code: "221", Country: "SN", MinLength: 9, MaxLength: 9},
		{Code: "225", Country: "CI", MinLength: 10, MaxLength: 10},
		{Code: "242", Country: "CG", MinLength: 9, MaxLength: 9},
	}
}

// CarrierPrefix maps a national prefix of the home country to a carrier.
type CarrierPrefix struct {
	Prefix  string
	Carrier Carrier
}

func DefaultCarrierPrefixes() []CarrierPrefix {
	return []CarrierPrefix{
		{Prefix: "74", Carrier: CarrierAirtel},
		{Prefix: "76", Carrier: CarrierAirtel},
		{Prefix: "77", Carrier: CarrierAirtel},
		{Prefix: "60", Carrier: CarrierMoov},
		{Prefix: "62", Carrier: CarrierMoov},
		{Prefix: "66", Carrier: CarrierMoov},
	}
}
