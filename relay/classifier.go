package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"syscall"
)

// isRetryableError reports whether an attempt error is worth retrying at all.
// Context cancellation and permanent failures stop the retry loop immediately
// regardless of remaining budget.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrRateLimited) {
		return false
	}
	return !isPermanentNetError(err)
}

// isPermanentNetError returns true for errors that will not succeed
// on retry and should fail immediately.
func isPermanentNetError(err error) bool {
	if err == nil {
		return false
	}

	// 1. TLS/Certificate errors
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	// 2. DNS not found (host doesn't exist - NXDOMAIN)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	// 3. Syscall permanent errors
	if errors.Is(err, syscall.EACCES) || // Permission denied
		errors.Is(err, syscall.EHOSTDOWN) { // Host is down
		return true
	}

	// 4. Fallback for edge cases
	return containsPermanentPattern(err)
}

// containsPermanentPattern is a fallback for edge cases where type checks fail.
func containsPermanentPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"x509:",
		"certificate",
		"tls:",
		"permission denied",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
