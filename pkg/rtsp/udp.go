package rtsp

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// udpTransport owns one RTP/RTCP socket pair per SETUP track when the
// stream's configured protocol is UDP (spec §6, "multicast URLs force UDP").
type udpTransport struct {
	mu    sync.Mutex
	pairs map[byte]*udpPair
}

type udpPair struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	stop     chan struct{}
}

func newUDPTransport() *udpTransport {
	return &udpTransport{pairs: make(map[byte]*udpPair)}
}

// openPair binds a local RTP/RTCP port pair for channelID and starts reader
// goroutines that invoke onRTP/onRTCP as packets arrive. It returns the
// bound client RTP port for the SETUP Transport header.
func (t *udpTransport) openPair(
	channelID byte,
	onRTP func(byte, *rtp.Packet),
	onRTCP func(byte, []rtcp.Packet),
) (int, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return 0, fmt.Errorf("listen RTP: %w", err)
	}
	rtpPort := rtpConn.LocalAddr().(*net.UDPAddr).Port

	rtcpPort := rtpPort + 1
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtcpPort})
	if err != nil {
		rtpConn.Close()
		return 0, fmt.Errorf("listen RTCP: %w", err)
	}

	pair := &udpPair{rtpConn: rtpConn, rtcpConn: rtcpConn, stop: make(chan struct{})}

	t.mu.Lock()
	t.pairs[channelID] = pair
	t.mu.Unlock()

	go readUDPRTP(pair, channelID, onRTP)
	go readUDPRTCP(pair, channelID, onRTCP)

	return rtpPort, nil
}

func readUDPRTP(pair *udpPair, channelID byte, onRTP func(byte, *rtp.Packet)) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-pair.stop:
			return
		default:
		}
		n, _, err := pair.rtpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if onRTP != nil {
			onRTP(channelID, packet)
		}
	}
}

func readUDPRTCP(pair *udpPair, channelID byte, onRTCP func(byte, []rtcp.Packet)) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-pair.stop:
			return
		default:
		}
		n, _, err := pair.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if onRTCP != nil {
			onRTCP(channelID+1, pkts)
		}
	}
}

// bindServer validates that the server accepted UDP transport for channelID;
// the server_port it reports is only needed if receiver reports are sent
// from a connected socket, which this client does not yet do.
func (t *udpTransport) bindServer(channelID byte, transportHeader string) error {
	t.mu.Lock()
	_, ok := t.pairs[channelID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local pair for channel %d", channelID)
	}
	if !strings.Contains(transportHeader, "server_port=") {
		return fmt.Errorf("server transport response missing server_port: %s", transportHeader)
	}
	return nil
}

// Close stops every reader goroutine and releases the sockets.
func (t *udpTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pair := range t.pairs {
		close(pair.stop)
		pair.rtpConn.Close()
		pair.rtcpConn.Close()
	}
	t.pairs = make(map[byte]*udpPair)
}
