package jid

import (
	"fmt"
	"regexp"
	"strings"
)

const maxPartLen = 1023

var jidRegexp = regexp.MustCompile(`^(?:([^@/<>'"]+)@)?([^@/<>'"]+)(?:/(.+))?$`)

// InvalidError is returned when a string is not a usable address.
type InvalidError struct {
	JID    string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid jid %q: %s", e.JID, e.Reason)
}

// Parsed holds the components of an address.
type Parsed struct {
	Local    string
	Domain   string
	Resource string
}

// Bare returns local@domain (or just domain), lowercased.
func (p Parsed) Bare() string {
	if p.Local == "" {
		return p.Domain
	}
	return p.Local + "@" + p.Domain
}

// Parse splits s into local, domain and resource. Local and domain are
// lowercased; the resource is kept verbatim.
func Parse(s string) (Parsed, error) {
	if s == "" {
		return Parsed{}, &InvalidError{JID: s, Reason: "empty"}
	}
	if strings.TrimSpace(s) != s {
		return Parsed{}, &InvalidError{JID: s, Reason: "leading or trailing whitespace"}
	}
	m := jidRegexp.FindStringSubmatch(s)
	if m == nil {
		return Parsed{}, &InvalidError{JID: s, Reason: "malformed"}
	}
	local, domain, resource := m[1], m[2], m[3]
	if domain != "localhost" && !strings.Contains(domain, ".") {
		return Parsed{}, &InvalidError{JID: s, Reason: "domain must contain a dot"}
	}
	if len(local) > maxPartLen || len(domain) > maxPartLen || len(resource) > maxPartLen {
		return Parsed{}, &InvalidError{JID: s, Reason: "part too long"}
	}
	return Parsed{
		Local:    strings.ToLower(local),
		Domain:   strings.ToLower(domain),
		Resource: resource,
	}, nil
}

// Normalize strips the resource and lowercases the rest. It is the only
// form conversation identifiers are stored in.
func Normalize(s string) (string, error) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return p.Bare(), nil
}

// Valid reports whether s parses.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Equal compares two addresses ignoring case and resource.
func Equal(a, b string) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}

// Counterpart returns the normalized address of the other party of a
// message exchanged between from and to, and whether self sent it.
func Counterpart(self, from, to string) (peer string, fromMe bool, err error) {
	selfBare, err := Normalize(self)
	if err != nil {
		return "", false, err
	}
	if Equal(from, selfBare) {
		peer, err = Normalize(to)
		return peer, true, err
	}
	peer, err = Normalize(from)
	return peer, false, err
}
