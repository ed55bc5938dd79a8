package resv

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/license"
)

func (s *Store) resolveAccount(name string) (string, error) {
	if s.opts.EnforceAssocs && !s.deps.Assocs.AccountExists(name) {
		s.log.Info("Reservation request has invalid account", zap.String("account", name))
		return "", errors.Wrapf(ErrInvalidAccount, "account %s", name)
	}
	return name, nil
}

func (s *Store) resolveUser(name string) (uint32, error) {
	uid, ok := s.deps.Assocs.UIDFromString(name)
	if !ok {
		s.log.Info("Reservation request has invalid user", zap.String("user", name))
		return 0, errors.Wrapf(ErrUserIDMissing, "user %s", name)
	}
	return uid, nil
}

// buildAccountList parses a plain comma list of accounts.
func (s *Store) buildAccountList(spec string) (*NameSet[string], error) {
	return parseList(spec, s.resolveAccount)
}

// buildUIDList parses a plain comma list of user names or uids.
func (s *Store) buildUIDList(spec string) (*NameSet[uint32], error) {
	return parseList(spec, s.resolveUser)
}

// updateAccountList applies a set/add/remove expression to r's accounts.
func (s *Store) updateAccountList(r *Reservation, spec string) error {
	if err := applyDelta(r.Accounts, spec, s.resolveAccount, ErrInvalidAccount); err != nil {
		s.log.Info("Reservation account expression invalid", zap.String("accounts", spec), zap.Error(err))
		return err
	}
	return nil
}

// updateUIDList applies a set/add/remove expression to r's users.
func (s *Store) updateUIDList(r *Reservation, spec string) error {
	if err := applyDelta(r.Users, spec, s.resolveUser, ErrUserIDMissing); err != nil {
		s.log.Info("Reservation user expression invalid", zap.String("users", spec), zap.Error(err))
		return err
	}
	return nil
}

// validateLicenses parses spec against the configured licenses.
func (s *Store) validateLicenses(spec string) ([]license.License, error) {
	list, ok := s.deps.Licenses.Validate(spec)
	if !ok {
		s.log.Info("Reservation request has invalid licenses", zap.String("licenses", spec))
		return nil, errors.Wrapf(ErrInvalidLicenses, "licenses %s", spec)
	}
	return list, nil
}

type featureOp int

const (
	featureAnd featureOp = iota
	featureOr
)

// featureTerm is one feature name and the combinator written after it.
type featureTerm struct {
	name string
	next featureOp
}

// parseFeatures splits "a&b|c,d" into terms. '&' and ',' mean AND, '|' OR.
func parseFeatures(expr string) []featureTerm {
	var terms []featureTerm
	start := 0
	for i := 0; i <= len(expr); i++ {
		if i < len(expr) && expr[i] != '&' && expr[i] != ',' && expr[i] != '|' {
			continue
		}
		t := featureTerm{name: expr[start:i], next: featureAnd}
		if i < len(expr) && expr[i] == '|' {
			t.next = featureOr
		}
		terms = append(terms, t)
		start = i + 1
	}
	return terms
}

// evalFeatures folds the feature expression into a copy of base strictly
// left to right. Each term is combined using the operator written before
// it; the first term is ANDed. An unknown feature yields an empty bitmap
// and ErrInvalidFeature.
func (s *Store) evalFeatures(expr string, base *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	acc := base.Copy()
	last := featureAnd
	for _, t := range parseFeatures(expr) {
		fb, found := s.deps.Nodes.FeatureBitmap(t.name)
		if !found {
			s.log.Info("Reservation feature invalid", zap.String("feature", t.name))
			acc.ClearAll()
			return acc, errors.Wrapf(ErrInvalidFeature, "feature %q", t.name)
		}
		if last == featureOr {
			acc.Or(fb)
		} else {
			acc.And(fb)
		}
		last = t.next
	}
	return acc, nil
}
