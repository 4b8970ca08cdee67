package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
)

var (
	// ErrAddressNotAllowed is returned when the peer host is outside the allow-list.
	ErrAddressNotAllowed = errors.New("address not allowed")

	// ErrTooManyConnections is returned when the peer host is at its connection cap.
	ErrTooManyConnections = errors.New("too many connections from address")
)

// AdmissionError carries the denied host and the reason for the denial.
type AdmissionError struct {
	Host   string
	Reason error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied for %s: %v", e.Host, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// Admission decides whether a network peer may open a session. It owns the
// per-host connection counter: a successful Admit increments it and Release
// decrements it, floored at zero.
type Admission struct {
	allowAll bool
	hosts    map[string]struct{}
	prefixes []netip.Prefix
	maxConns int

	mu     sync.Mutex
	counts map[string]int
}

// NewAdmission builds a policy from allow-list entries (IPs, CIDR prefixes,
// literal host names or "*") and a per-host cap. An empty list allows every
// host; a non-positive cap disables the counter. Configs loaded through
// config.Sanitize always carry a positive cap, so only direct callers can
// disable it.
func NewAdmission(allowed []string, maxConnsPerAddress int) *Admission {
	a := &Admission{
		hosts:    make(map[string]struct{}),
		maxConns: maxConnsPerAddress,
		counts:   make(map[string]int),
	}

	normalized := 0
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case entry == "*":
			a.allowAll = true
		case strings.Contains(entry, "/"):
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			a.prefixes = append(a.prefixes, prefix.Masked())
		default:
			a.hosts[normalizeHost(entry)] = struct{}{}
		}
		normalized++
	}
	if normalized == 0 {
		a.allowAll = true
	}
	return a
}

// Admit checks the allow-list and the cap for remoteAddr, incrementing the
// host's counter when the connection is allowed. Denied attempts leave the
// counter untouched.
func (a *Admission) Admit(remoteAddr string) error {
	host := hostOf(remoteAddr)

	if !a.allowed(host) {
		return &AdmissionError{Host: host, Reason: ErrAddressNotAllowed}
	}
	if a.maxConns <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counts[host] >= a.maxConns {
		return &AdmissionError{Host: host, Reason: ErrTooManyConnections}
	}
	a.counts[host]++
	return nil
}

// Release decrements the counter for remoteAddr. It never goes below zero.
func (a *Admission) Release(remoteAddr string) {
	host := hostOf(remoteAddr)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counts[host] <= 1 {
		delete(a.counts, host)
		return
	}
	a.counts[host]--
}

// Count returns the number of admitted connections currently held by the host
// of remoteAddr.
func (a *Admission) Count(remoteAddr string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[hostOf(remoteAddr)]
}

func (a *Admission) allowed(host string) bool {
	if a.allowAll {
		return true
	}
	if _, ok := a.hosts[host]; ok {
		return true
	}
	if len(a.prefixes) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// hostOf returns the normalized host portion of a host:port address. Addresses
// without a port are treated as bare hosts.
func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return normalizeHost(host)
}

func normalizeHost(host string) string {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap().String()
	}
	return strings.ToLower(host)
}
