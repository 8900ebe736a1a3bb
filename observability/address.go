package observability

import (
	"net"
	"sync"
)

var (
	outboundOnce sync.Once
	outboundIP   string
)

// OutboundIP returns the local address used for outgoing traffic, empty when
// no route is available. The lookup happens once per process.
func OutboundIP() string {
	outboundOnce.Do(func() {
		// udp dial sends nothing, it only picks a route
		conn, err := net.Dial("udp", "8.8.8.8:80")
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			outboundIP = addr.IP.String()
		}
	})
	return outboundIP
}
