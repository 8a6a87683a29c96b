// Package validation contains input validators shared by the engine and API.
// Validators reject bad input with descriptive errors; nothing is clamped or
// silently corrected.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// Port bounds for TCP/UDP ports.
const (
	MinPort = 1
	MaxPort = 65535
)

// ValidateIdentifier validates a general identifier (filter names, template names, etc.)
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	for _, char := range dangerousChars {
		if strings.Contains(id, char) {
			return fmt.Errorf("identifier contains dangerous character: %s", char)
		}
	}

	return nil
}

// ValidatePort validates a single numeric port.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (%d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// ParsePort parses and validates a decimal port string.
func ParsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("port cannot be empty")
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: not a number", s)
	}
	if err := ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

// ValidatePortRange validates a start..end port range.
func ValidatePortRange(start, end int) error {
	if err := ValidatePort(start); err != nil {
		return err
	}
	if err := ValidatePort(end); err != nil {
		return err
	}
	if start > end {
		return fmt.Errorf("invalid port range: start %d greater than end %d", start, end)
	}
	return nil
}

// ValidateProtocol checks a transport protocol name.
func ValidateProtocol(proto string) error {
	switch strings.ToLower(proto) {
	case "tcp", "udp", "icmp", "icmpv6", "sctp", "all":
		return nil
	}
	return fmt.Errorf("unsupported protocol: %s", proto)
}

// ValidateAction checks a rule action.
func ValidateAction(action string) error {
	switch strings.ToLower(action) {
	case "accept", "drop", "reject":
		return nil
	}
	return fmt.Errorf("invalid action: %s (must be accept, drop or reject)", action)
}

// ValidateDirection checks a rule direction.
func ValidateDirection(direction string) error {
	switch strings.ToLower(direction) {
	case "in", "out":
		return nil
	}
	return fmt.Errorf("invalid direction: %s (must be in or out)", direction)
}

// ValidatePriority checks a rule priority ordinal.
// Priorities are ordered ascending; the band matches the enforcement layer's
// accepted range.
func ValidatePriority(priority int) error {
	if priority < -1000 || priority > 1000 {
		return fmt.Errorf("priority %d out of range (-1000 to 1000)", priority)
	}
	return nil
}

// ValidateCIDR checks an IP address or CIDR block.
func ValidateCIDR(s string) error {
	if s == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if _, _, err := net.ParseCIDR(s); err == nil {
		return nil
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	return fmt.Errorf("invalid IP or CIDR: %s", s)
}
