package peernet

import (
	"regexp"
)

var privateIPv4addr = regexp.MustCompile(`(^127\.0\.0\.1)|(^10\.)|(^172\.1[6-9]\.)|(^172\.2[0-9]\.)|(^172\.3[0-1]\.)|(^192\.168\.)`)

// IsRoutableIPv4 returns true if ip is an IPv4 address that is not private.
// See http://en.wikipedia.org/wiki/Private_network#Private_IPv4_address_spaces
// for the numeric ranges that are private. 127.0.0.1, 192.168.0.1, and
// 172.16.0.1 are examples of non-routable addresses.
func IsRoutableIPv4(ip string) bool {
	return privateIPv4addr.FindStringSubmatch(ip) == nil
}
