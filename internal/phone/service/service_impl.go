package service

import (
	"github.com/smallbiznis/smsgate/internal/config"
	phonedomain "github.com/smallbiznis/smsgate/internal/phone/domain"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Normalizer phonedomain.Normalizer `optional:"true"`
	Classifier phonedomain.Classifier `optional:"true"`
}

type Service struct {
	normalizer phonedomain.Normalizer
	classifier phonedomain.Classifier
}

func NewService(p Params) phonedomain.Service {
	n := p.Normalizer
	if n == nil {
		n = NewNormalizer(NormalizerConfig{
			DefaultCountry:  p.Cfg.Phone.DefaultCountry,
			LibraryFallback: p.Cfg.Phone.LibraryFallback,
		})
	}
	c := p.Classifier
	if c == nil {
		c = NewClassifier(p.Cfg.Phone.HomeCountry, nil)
	}
	return &Service{normalizer: n, classifier: c}
}

func (s *Service) Resolve(raw string) phonedomain.NormalizedPhone {
	phone := s.normalizer.Normalize(raw)
	if phone.IsValid {
		phone.Carrier = s.classifier.Classify(phone.CountryCode, phone.NationalNumber)
	} else {
		phone.Carrier = phonedomain.CarrierUnknown
	}
	return phone
}

// SameNumber reports whether both inputs normalize to the same valid E.164 number.
func (s *Service) SameNumber(a, b string) bool {
	pa := s.normalizer.Normalize(a)
	pb := s.normalizer.Normalize(b)
	return pa.IsValid && pb.IsValid && pa.E164 == pb.E164
}
