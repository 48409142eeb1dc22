package guard

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Unsafe-target reasons. Deliberately coarse: the reason string is returned
// to clients and must not echo which specific range or pattern matched.
const (
	ReasonInvalidURL       = "invalid URL"
	ReasonSchemeNotAllowed = "scheme not allowed"
	ReasonBlockedHost      = "blocked host"
	ReasonInternalAddress  = "internal address"
	ReasonInternalHostname = "internal hostname"
)

// UnsafeTargetError reports that a candidate fetch target was rejected.
// Reason is one of the Reason* constants.
type UnsafeTargetError struct {
	Reason string
}

func (e *UnsafeTargetError) Error() string {
	return "unsafe target: " + e.Reason
}

// patternKind enumerates the supported address-range match strategies.
// A typed enumeration (rather than ad hoc pattern objects) keeps adding
// new IPv6 ranges or matcher styles a localized change.
type patternKind int

const (
	patternExact patternKind = iota
	patternCIDR
	patternRegexp
)

// addressPattern matches a literal host string against one range rule.
type addressPattern struct {
	kind    patternKind
	literal string
	ipnet   *net.IPNet
	re      *regexp.Regexp
}

func (p addressPattern) matches(host string) bool {
	switch p.kind {
	case patternExact:
		return host == p.literal
	case patternCIDR:
		ip := net.ParseIP(host)
		return ip != nil && p.ipnet.Contains(ip)
	case patternRegexp:
		return p.re.MatchString(host)
	}
	return false
}

// defaultBlockedCIDRs covers loopback, RFC 1918 private, link-local (v4
// link-local includes the 169.254.169.254 cloud metadata endpoint), and
// their IPv6 counterparts.
var defaultBlockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// defaultBlockedHostnames are names denied exactly, regardless of scheme.
var defaultBlockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
	"metadata",
	"instance-data",
}

var (
	defaultBlockedSuffixes   = []string{".internal", ".local", ".localdomain", ".localhost"}
	defaultBlockedSubstrings = []string{"metadata"}
	defaultAllowedSchemes    = []string{"http", "https"}
)

// Policy is the raw validator configuration. Empty slices select the
// built-in defaults; construction compiles it into an immutable Validator.
type Policy struct {
	AllowedSchemes        []string
	BlockedHostnames      []string
	BlockedCIDRs          []string
	BlockedHostSuffixes   []string
	BlockedHostSubstrings []string
}

// Validator classifies outbound URLs as safe or unsafe to fetch from.
//
// The check is pattern-based on the literal hostname text: it does NOT
// resolve hostnames, so a public name that resolves to a private address
// (DNS rebinding) passes validation. Closing that hole is the fetcher's
// job: it must pin the resolved address and re-check it with BlockedIP
// before connecting. See the scrape fetcher in internal/agents.
//
// A Validator is immutable after construction and safe for concurrent use
// without synchronization.
type Validator struct {
	schemes    map[string]struct{}
	hostnames  map[string]struct{}
	patterns   []addressPattern
	suffixes   []string
	substrings []string
}

// NewValidator compiles a Policy. It returns an error only for unparsable
// CIDR entries in the configuration; a nil-policy default validator never
// fails.
func NewValidator(p Policy) (*Validator, error) {
	schemes := p.AllowedSchemes
	if len(schemes) == 0 {
		schemes = defaultAllowedSchemes
	}
	hostnames := p.BlockedHostnames
	if len(hostnames) == 0 {
		hostnames = defaultBlockedHostnames
	}
	cidrs := p.BlockedCIDRs
	if len(cidrs) == 0 {
		cidrs = defaultBlockedCIDRs
	}
	suffixes := p.BlockedHostSuffixes
	if len(suffixes) == 0 {
		suffixes = defaultBlockedSuffixes
	}
	substrings := p.BlockedHostSubstrings
	if len(substrings) == 0 {
		substrings = defaultBlockedSubstrings
	}

	v := &Validator{
		schemes:    make(map[string]struct{}, len(schemes)),
		hostnames:  make(map[string]struct{}, len(hostnames)),
		patterns:   make([]addressPattern, 0, len(cidrs)),
		suffixes:   make([]string, 0, len(suffixes)),
		substrings: make([]string, 0, len(substrings)),
	}
	for _, s := range schemes {
		v.schemes[strings.ToLower(s)] = struct{}{}
	}
	for _, h := range hostnames {
		v.hostnames[strings.ToLower(h)] = struct{}{}
	}
	for _, c := range cidrs {
		p, err := parseAddressPattern(c)
		if err != nil {
			return nil, &PolicyError{Entry: c, Err: err}
		}
		v.patterns = append(v.patterns, p)
	}
	for _, s := range suffixes {
		v.suffixes = append(v.suffixes, strings.ToLower(s))
	}
	for _, s := range substrings {
		v.substrings = append(v.substrings, strings.ToLower(s))
	}
	return v, nil
}

// parseAddressPattern interprets one blocked-address entry. Entries
// containing "/" are CIDR ranges, a leading "~" marks a regular expression
// applied to the literal host text, and anything else is an exact address
// literal.
func parseAddressPattern(entry string) (addressPattern, error) {
	switch {
	case strings.HasPrefix(entry, "~"):
		re, err := regexp.Compile(entry[1:])
		if err != nil {
			return addressPattern{}, err
		}
		return addressPattern{kind: patternRegexp, re: re}, nil
	case strings.Contains(entry, "/"):
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return addressPattern{}, err
		}
		return addressPattern{kind: patternCIDR, ipnet: ipnet}, nil
	default:
		return addressPattern{kind: patternExact, literal: strings.ToLower(entry)}, nil
	}
}

// PolicyError reports an unparsable denylist entry at construction time.
type PolicyError struct {
	Entry string
	Err   error
}

func (e *PolicyError) Error() string {
	return "invalid blocked range " + e.Entry + ": " + e.Err.Error()
}

func (e *PolicyError) Unwrap() error { return e.Err }

// CheckTarget classifies rawURL. A nil return means the target is safe to
// fetch; otherwise the error is an *UnsafeTargetError with a coarse reason.
// Malformed input is a normal unsafe outcome, never a panic or a distinct
// error class.
//
// Rules are evaluated in a fixed precedence order — a malformed URL must
// fail closed before any host inspection is attempted.
func (v *Validator) CheckTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return &UnsafeTargetError{Reason: ReasonInvalidURL}
	}

	if _, ok := v.schemes[strings.ToLower(u.Scheme)]; !ok {
		return &UnsafeTargetError{Reason: ReasonSchemeNotAllowed}
	}

	host := strings.ToLower(u.Hostname())

	if _, ok := v.hostnames[host]; ok {
		return &UnsafeTargetError{Reason: ReasonBlockedHost}
	}

	for _, p := range v.patterns {
		if p.matches(host) {
			return &UnsafeTargetError{Reason: ReasonInternalAddress}
		}
	}

	for _, s := range v.suffixes {
		if strings.HasSuffix(host, s) {
			return &UnsafeTargetError{Reason: ReasonInternalHostname}
		}
	}
	for _, s := range v.substrings {
		if strings.Contains(host, s) {
			return &UnsafeTargetError{Reason: ReasonInternalHostname}
		}
	}

	return nil
}

// BlockedIP reports whether a resolved IP falls in a blocked range. The
// fetch transport calls this at connect time with the pinned address, which
// is what actually closes the DNS-rebinding gap CheckTarget documents.
func (v *Validator) BlockedIP(ip net.IP) bool {
	for _, p := range v.patterns {
		switch p.kind {
		case patternCIDR:
			if p.ipnet.Contains(ip) {
				return true
			}
		case patternExact:
			if other := net.ParseIP(p.literal); other != nil && other.Equal(ip) {
				return true
			}
		}
	}
	return false
}
