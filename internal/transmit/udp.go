package transmit

import (
	"fmt"
	"log"
	"net"
	"time"
)

// UDPTransport is the raw UDP send/receive channel to the target device,
// addressed by host:port from configuration
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	localPort  int
	debug      bool
}

// NewUDPTransport resolves the target address. The socket is not opened
// until Open is called.
func NewUDPTransport(host string, port, localPort int, debug bool) (*UDPTransport, error) {
	ip, err := Lookup(host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %v", host, err)
	}

	return &UDPTransport{
		remoteAddr: &net.UDPAddr{IP: ip, Port: port},
		localPort:  localPort,
		debug:      debug,
	}, nil
}

// Open binds the local UDP socket. Local port 0 lets the OS assign an
// ephemeral port on first send.
func (t *UDPTransport) Open() error {
	localAddr := &net.UDPAddr{
		IP:   net.IPv4zero,
		Port: t.localPort,
	}

	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		log.Printf("Error opening UDP transport: %v", err)
		return err
	}

	t.conn = conn
	log.Printf("UDP transport bound to %s, target %s", conn.LocalAddr(), t.remoteAddr)

	return nil
}

// Send transmits raw bytes to the target
func (t *UDPTransport) Send(data []byte) error {
	if t.conn == nil {
		return fmt.Errorf("transport not open")
	}

	if t.debug {
		log.Printf("UDP transport send: % X", data)
	}

	_, err := t.conn.WriteToUDP(data, t.remoteAddr)
	if err != nil {
		log.Printf("UDP write error: %v", err)
		return err
	}

	return nil
}

// Receive waits up to timeout for a datagram from the target. Datagrams
// from other sources are dropped. A timeout is not an error: it returns
// nil data and nil error.
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("transport not open")
	}

	deadline := time.Now().Add(timeout)
	buffer := make([]byte, 2048)

	for {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, nil
			}
			return nil, err
		}

		if !addr.IP.Equal(t.remoteAddr.IP) {
			if t.debug {
				log.Printf("UDP transport: dropping datagram from unexpected source %s", addr)
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		return data, nil
	}
}

// Close closes the UDP socket
func (t *UDPTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	log.Printf("UDP transport closed")

	return err
}

// Lookup resolves a hostname to its first IPv4 address
func Lookup(hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip, nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}

	return nil, fmt.Errorf("no IPv4 address found for %s", hostname)
}
