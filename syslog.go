package dnsforwarder

import (
	"fmt"

	srslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// SyslogOptions configures the optional syslog hook.
type SyslogOptions struct {
	// "udp", "tcp", "unix". Empty means the local syslog socket.
	Network string

	// Remote address, defaults to local syslog server.
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Tag is the syslog program tag.
	Tag string
}

// SyslogHook forwards every log entry that passes the logger's level to a
// syslog daemon, carrying forward the original's syslog wiring into a
// logrus hook rather than a resolver, since this module has no resolver
// graph to forward through.
type SyslogHook struct {
	writer *srslog.Writer
}

// NewSyslogHook dials the syslog endpoint described by opt.
func NewSyslogHook(opt SyslogOptions) (*SyslogHook, error) {
	w, err := srslog.Dial(opt.Network, opt.Address, srslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		return nil, fmt.Errorf("dialing syslog: %w", err)
	}
	return &SyslogHook{writer: w}, nil
}

// Levels reports every level as eligible; the logrus logger's own level
// filter decides what actually reaches Fire.
func (h *SyslogHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire writes the formatted entry to syslog.
func (h *SyslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.writer.Write([]byte(line))
	return err
}
