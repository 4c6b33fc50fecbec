// Package models defines data structures and domain types.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// QueryType identifies the kind of subject being enriched.
type QueryType string

const (
	// QueryIP is a single IPv4 or IPv6 address.
	QueryIP QueryType = "ip"
	// QueryDomain is a hostname, resolved to an address before lookup.
	QueryDomain QueryType = "domain"
	// QueryBlock is a CIDR network.
	QueryBlock QueryType = "block"
	// QueryReports is one page of the individual abuse reports filed
	// against an address. Its key has the form "<ip>@<page>".
	QueryReports QueryType = "reports"
)

// MaxReportsPage bounds the page number of a reports key.
const MaxReportsPage = 1000

// QueryTypes lists every supported query type.
var QueryTypes = []QueryType{QueryIP, QueryDomain, QueryBlock, QueryReports}

// Valid reports whether q is a supported query type.
func (q QueryType) Valid() bool {
	switch q {
	case QueryIP, QueryDomain, QueryBlock, QueryReports:
		return true
	}
	return false
}

// ParseQueryType converts a string into a QueryType.
func ParseQueryType(s string) (QueryType, error) {
	q := QueryType(s)
	if !q.Valid() {
		return "", fmt.Errorf("unknown query type %q", s)
	}
	return q, nil
}

// Subject is a (query type, key) pair that can be resolved.
type Subject struct {
	QueryType QueryType `json:"type" yaml:"type"`
	Key       string    `json:"key" yaml:"key"`
}

func (s Subject) String() string {
	return string(s.QueryType) + ":" + s.Key
}

// ReportsKey builds the key of one reports page.
func ReportsKey(ip string, page int) string {
	return ip + "@" + strconv.Itoa(page)
}

// SplitReportsKey splits a reports key into its address and page. A key
// without a page refers to the first page.
func SplitReportsKey(key string) (ip string, page int, err error) {
	ip, rawPage, found := strings.Cut(key, "@")
	if !found {
		return ip, 1, nil
	}
	page, err = strconv.Atoi(rawPage)
	if err != nil {
		return "", 0, fmt.Errorf("invalid page %q", rawPage)
	}
	if page < 1 || page > MaxReportsPage {
		return "", 0, fmt.Errorf("page %d out of range 1-%d", page, MaxReportsPage)
	}
	return ip, page, nil
}
