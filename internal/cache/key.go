package cache

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/j-veylop/repcache/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func keyValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// NormalizeKey validates a raw subject and returns its canonical form:
// IPs in netip text form with IPv4-mapped addresses unmapped, domains
// lowercased without a trailing dot, networks masked to their base
// address, and reports keys as a canonical IP with an explicit page.
func NormalizeKey(qt models.QueryType, raw string) (string, error) {
	key := strings.TrimSpace(raw)
	invalid := func(reason string) error {
		return &InvalidKeyError{QueryType: qt, Key: raw, Reason: reason}
	}
	if key == "" {
		return "", invalid("empty")
	}

	v := keyValidator()
	switch qt {
	case models.QueryIP:
		addr, reason := parseAddr(v, key)
		if reason != "" {
			return "", invalid(reason)
		}
		return addr, nil

	case models.QueryReports:
		rawIP, page, err := models.SplitReportsKey(key)
		if err != nil {
			return "", invalid(err.Error())
		}
		addr, reason := parseAddr(v, rawIP)
		if reason != "" {
			return "", invalid(reason)
		}
		return models.ReportsKey(addr, page), nil

	case models.QueryDomain:
		key = strings.TrimSuffix(strings.ToLower(key), ".")
		if _, err := netip.ParseAddr(key); err == nil {
			return "", invalid("use the ip query type for addresses")
		}
		if err := v.Var(key, "fqdn"); err != nil {
			return "", invalid("not a fully qualified domain name")
		}
		return key, nil

	case models.QueryBlock:
		if err := v.Var(key, "cidr"); err != nil {
			return "", invalid("not a CIDR network")
		}
		prefix, err := netip.ParsePrefix(key)
		if err != nil {
			return "", invalid(err.Error())
		}
		return prefix.Masked().String(), nil

	default:
		return "", invalid("unknown query type")
	}
}

func parseAddr(v *validator.Validate, key string) (string, string) {
	if err := v.Var(key, "ip"); err != nil {
		return "", "not an IP address"
	}
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return "", err.Error()
	}
	return addr.Unmap().String(), ""
}
