package discovery

import (
	"fmt"
	"net"
)

// LocalIPv4 returns the first non-loopback IPv4 the host would use to
// reach the wider network. The UDP "connection" below never sends a
// packet; it only asks the kernel which source address the default route
// would pick.
func LocalIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:1")
	if err != nil {
		return nil, fmt.Errorf("probing default route: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsLoopback() {
		return nil, fmt.Errorf("no usable non-loopback IPv4 (got %v)", conn.LocalAddr())
	}
	return addr.IP, nil
}
