package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"ws-server/errs"
)

// DefaultWatchdogPeriod is the idle period after which a silent connection
// is closed.
const DefaultWatchdogPeriod = 30 * time.Second

// Config holds the settings of a Server.
type Config struct {
	// Host to bind; empty binds all interfaces.
	Host string `yaml:"host"`
	// Port to bind; 0 picks a free port.
	Port uint16 `yaml:"port"`
	// MaxConnections caps concurrently open connections; 0 means no cap.
	MaxConnections uint32 `yaml:"max_connections"`
	// WatchdogPeriod closes connections silent for one full period;
	// 0 disables the watchdog.
	WatchdogPeriod time.Duration `yaml:"watchdog_period"`
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           3013,
		MaxConnections: 10,
		WatchdogPeriod: DefaultWatchdogPeriod,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WatchdogPeriod < 0 {
		return fmt.Errorf("watchdog_period %s is negative: %w", c.WatchdogPeriod, errs.ErrInvalidConfig)
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil && c.Host != "localhost" {
		return fmt.Errorf("host %q is not an IP address: %w", c.Host, errs.ErrInvalidConfig)
	}
	return nil
}

// Address returns the host:port the server binds.
func (c Config) Address() string {
	host := c.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(c.Port)))
}
