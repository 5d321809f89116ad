package validation

import (
	"errors"
	"regexp"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

var (
	tenantRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	domainRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
)

// IsValidKey checks path-supplied read model coordinates before they reach
// the store. It does not check that the domain is registered.
func IsValidKey(key readmodel.Key) error {
	if err := isValidTenant(key.TenantID); err != nil {
		return err
	}
	if key.Domain == "" {
		return errors.New("domain is required")
	}
	if !domainRe.MatchString(key.Domain) {
		return errors.New("domain must be a lowercase identifier")
	}
	return isValidPeriod(key.Period)
}

func isValidTenant(tenantID string) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	if !tenantRe.MatchString(tenantID) {
		return errors.New("tenant id has invalid characters")
	}
	return nil
}

func isValidPeriod(period string) error {
	if period == "" {
		return errors.New("period is required")
	}
	if _, _, err := readmodel.PeriodBounds(period); err != nil {
		return errors.New("period must be YYYY-MM or YYYY-Qn")
	}
	return nil
}
