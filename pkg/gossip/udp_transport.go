package gossip

import (
	"net"
)

// UDPTransport is a Transport backed by a real UDP socket, for multi-process
// deployments. Multicast (empty dest) fans out as individual unicast
// datagrams to every address in Peers, since plain UDP has no portable
// group-multicast primitive across the deployment environments this
// project targets.
type UDPTransport struct {
	conn  *net.UDPConn
	local string

	recv func(from string, raw []byte)
	stop chan struct{}

	Peers PeerSet
}

// PeerSet is consulted by UDPTransport.Send when dest == "" to learn the
// current fan-out set. MemberList satisfies it directly.
type PeerSet interface {
	Addrs() []string
}

// NewUDPTransport binds a UDP socket at listenAddr ("host:port").
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	t := &UDPTransport{
		conn:  conn,
		local: conn.LocalAddr().String(),
		stop:  make(chan struct{}),
	}
	go t.loop()
	return t, nil
}

const maxDatagram = 64 * 1024

func (t *UDPTransport) loop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				continue
			}
		}
		if t.recv != nil {
			cp := append([]byte(nil), buf[:n]...)
			t.recv(from.String(), cp)
		}
	}
}

func (t *UDPTransport) Send(dest string, raw []byte) error {
	if dest == "" {
		if t.Peers == nil {
			return nil
		}
		var firstErr error
		for _, addr := range t.Peers.Addrs() {
			if addr == t.local {
				continue
			}
			if err := t.sendOne(addr, raw); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return t.sendOne(dest, raw)
}

func (t *UDPTransport) sendOne(dest string, raw []byte) error {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(raw, addr)
	return err
}

func (t *UDPTransport) SetReceiver(f func(from string, raw []byte)) { t.recv = f }
func (t *UDPTransport) LocalAddr() string                          { return t.local }

func (t *UDPTransport) Close() error {
	close(t.stop)
	return t.conn.Close()
}
