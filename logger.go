package dnsforwarder

import "github.com/sirupsen/logrus"

// Log is the package-level logger. Callers set its level (and optionally
// attach a syslog hook, see syslog.go) before starting the cache or TcpM.
var Log = logrus.New()

// cacheHitFields returns the structured fields for a cache-satisfied
// answer, matching the original's 'C' marker in ShowNormalMessage.
func cacheHitFields(name string) logrus.Fields {
	return logrus.Fields{"marker": "C", "name": name}
}

// tcpFields returns the structured fields for an upstream-resolved
// answer, matching the original's 'T' marker.
func tcpFields(name, upstream string) logrus.Fields {
	return logrus.Fields{"marker": "T", "name": name, "upstream": upstream}
}
