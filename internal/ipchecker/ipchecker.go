// Package ipchecker provides utilities for extracting and validating
// client IP addresses from HTTP requests. It supports checking whether
// a given IP falls within a trusted subnet.
package ipchecker

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/patric-chuzhbe/merneats/internal/logger"
)

// IPChecker is responsible for extracting a client's IP address from
// an HTTP request and validating whether it belongs to a trusted subnet.
type IPChecker struct {
	trustedSubnet *net.IPNet

	// proxyHeaders enables X-Real-IP and X-Forwarded-For. Clients can set
	// them freely, so they are honored only behind a trusted proxy.
	proxyHeaders bool
}

// Option configures IPChecker.
type Option func(*IPChecker)

// WithProxyHeaders makes GetClientIP read the client address from proxy
// headers before RemoteAddr.
func WithProxyHeaders(enabled bool) Option {
	return func(checker *IPChecker) {
		checker.proxyHeaders = enabled
	}
}

// New creates a new IPChecker instance configured with a trusted subnet.
// If the input trustedSubnet is an empty string, the IPChecker will be
// initialized in a disabled state - so the IsTrustedSubnetEmpty will return true
//
// The trustedSubnet must be in CIDR notation (e.g., "192.168.1.0/24").
// Returns an error if the CIDR string cannot be parsed.
func New(trustedSubnet string, options ...Option) (*IPChecker, error) {
	checker := &IPChecker{}
	for _, option := range options {
		option(checker)
	}
	if trustedSubnet == "" {
		return checker, nil
	}
	_, allowedNet, err := net.ParseCIDR(trustedSubnet)
	if err != nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/New(): error while `net.ParseCIDR()` calling: %w", err)
	}
	checker.trustedSubnet = allowedNet

	return checker, nil
}

// Check verifies whether the given IP address belongs to the configured
// trusted subnet. If no trusted subnet is configured, it returns false.
func (checker *IPChecker) Check(clientIP net.IP) bool {
	return checker.trustedSubnet != nil && checker.trustedSubnet.Contains(clientIP)
}

// GetClientIP extracts the client's IP address from an HTTP request. With
// proxy headers enabled it checks in order: the "X-Real-IP" header, the
// "X-Forwarded-For" header, and finally the request's RemoteAddr field;
// otherwise only RemoteAddr is used.
//
// Returns the parsed IP address or an error if extraction fails.
func (checker *IPChecker) GetClientIP(request *http.Request) (net.IP, error) {
	if checker.proxyHeaders {
		if ip := net.ParseIP(request.Header.Get("X-Real-IP")); ip != nil {
			return ip, nil
		}
		if xff := request.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			ip := net.ParseIP(strings.TrimSpace(ips[0]))
			if ip != nil {
				return ip, nil
			}
		}
	}
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/GetClientIP(): error while `net.SplitHostPort()` calling: %w", err)
	}
	return net.ParseIP(host), nil
}

// IsTrustedSubnetEmpty returns true if the IPChecker was initialized
// without a trusted subnet.
func (checker *IPChecker) IsTrustedSubnetEmpty() bool {
	return checker.trustedSubnet == nil
}

// ClientKey returns the client IP as a string for per-client bookkeeping such
// as rate limiting. It falls back to RemoteAddr when no IP can be parsed.
func (checker *IPChecker) ClientKey(request *http.Request) string {
	ip, err := checker.GetClientIP(request)
	if err != nil || ip == nil {
		return request.RemoteAddr
	}

	return ip.String()
}

// RequireTrusted lets through only requests from the trusted subnet and
// answers 403 otherwise. Without a configured subnet everything is refused.
func (checker *IPChecker) RequireTrusted(h http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		clientIP, err := checker.GetClientIP(request)
		if err != nil {
			logger.Log.Debugln("Error calling the `checker.GetClientIP()`: ", zap.Error(err))
		}
		if err != nil || clientIP == nil || !checker.Check(clientIP) {
			response.WriteHeader(http.StatusForbidden)
			return
		}

		h.ServeHTTP(response, request)
	})
}
