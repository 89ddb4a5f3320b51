package domain

type Normalizer interface {
	Normalize(raw string) NormalizedPhone
}

type Classifier interface {
	Classify(countryCode, nsn string) Carrier
}

// Service resolves a raw phone string into a normalized, carrier-classified value.
type Service interface {
	Resolve(raw string) NormalizedPhone
	SameNumber(a, b string) bool
}
