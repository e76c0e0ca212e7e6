// Package rtsp implements the minimal RTSP client the Stream Ingestor needs:
// TCP/TLS connect, OPTIONS/DESCRIBE/SETUP/PLAY/TEARDOWN, SDP-driven track
// discovery, and an interleaved (or UDP) packet read loop that hands RTP/RTCP
// packets to the caller.
package rtsp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

// Transport selects the RTP delivery mechanism. Multicast URLs force UDP;
// otherwise the caller's stream config decides (spec §6).
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
)

// Client is an RTSP client scoped to one camera stream.
type Client struct {
	url       string
	baseURL   string // Content-Base from DESCRIBE response, used for SETUP/PLAY
	transport Transport
	logger    *slog.Logger
	conn      net.Conn
	reader    *bufio.Reader
	session   string
	cseq      int
	Channels  map[byte]*Channel // interleaved channel ID -> Channel info

	udp *udpTransport

	keepaliveInterval time.Duration
	keepaliveCancel   context.CancelFunc

	writeMu sync.Mutex

	// OnRTPPacket is invoked for every demuxed RTP packet. channel is the
	// interleaved channel ID (TCP) or a synthetic 0=video/2=audio marker
	// (UDP), matching the even/video-odd/audio-RTCP convention used for SDP
	// channel assignment.
	OnRTPPacket func(channel byte, packet *rtp.Packet)
	// OnRTCPPacket is invoked for every demuxed RTCP compound packet,
	// primarily so the Ingestor can observe receiver-report loss stats.
	OnRTCPPacket func(channel byte, packets []rtcp.Packet)
}

// Channel represents one negotiated media track.
type Channel struct {
	ID          byte
	MediaType   string // "video" or "audio"
	Control     string
	PayloadType uint8
}

// NewClient creates a new RTSP client for rtspURL using the given transport.
// Multicast URLs always use UDP regardless of the requested transport.
func NewClient(rtspURL string, transport Transport, logger *slog.Logger) *Client {
	if isMulticastURL(rtspURL) {
		transport = TransportUDP
	}
	return &Client{
		url:               rtspURL,
		transport:         transport,
		logger:            logger,
		Channels:          make(map[byte]*Channel),
		keepaliveInterval: 25 * time.Second,
	}
}

func isMulticastURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ip := net.ParseIP(u.Hostname())
	return ip != nil && ip.IsMulticast()
}

// Connect establishes the TCP/TLS connection and performs OPTIONS+DESCRIBE.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}

	host := u.Hostname()
	addr := net.JoinHostPort(host, port)

	c.logger.Info("connecting to RTSP server", "scheme", u.Scheme, "host", host, "port", port)

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	var conn net.Conn
	if u.Scheme == "rtsps" {
		tlsConfig := &tls.Config{ServerName: host}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	} else if tlsConn, ok := conn.(*tls.Conn); ok {
		if tcpConn, ok := tlsConn.NetConn().(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 65536)

	c.logger.Info("connected to RTSP server", "remote_addr", conn.RemoteAddr(), "tls", u.Scheme == "rtsps")

	if err := c.options(ctx); err != nil {
		return fmt.Errorf("OPTIONS: %w", err)
	}

	if err := c.describe(ctx, username, password); err != nil {
		return fmt.Errorf("DESCRIBE: %w", err)
	}

	return nil
}

// SetupTracks sends SETUP for every track discovered in the SDP.
func (c *Client) SetupTracks(ctx context.Context) error {
	if c.transport == TransportUDP {
		c.udp = newUDPTransport()
	}
	for channelID, ch := range c.Channels {
		if err := c.setupTrack(ctx, channelID, ch); err != nil {
			return fmt.Errorf("setup track %d: %w", channelID, err)
		}
	}
	return nil
}

// Play starts streaming. Only the request is written for TCP transport; the
// response is consumed by ReadPackets since the server begins sending RTP
// immediately after the PLAY response.
func (c *Client) Play(ctx context.Context) error {
	playURL := c.baseURL
	if u, err := url.Parse(playURL); err == nil {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		playURL = u.String()
	}

	req := c.newRequest("PLAY", playURL)
	req.Header["Range"] = "npt=0.000-"

	if c.transport == TransportUDP {
		if _, err := c.do(req); err != nil {
			return fmt.Errorf("PLAY: %w", err)
		}
	} else if err := c.writeRequest(req); err != nil {
		return fmt.Errorf("PLAY: %w", err)
	}

	c.startKeepalive(ctx)
	return nil
}

func (c *Client) startKeepalive(ctx context.Context) {
	keepaliveCtx, cancel := context.WithCancel(ctx)
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(c.keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-keepaliveCtx.Done():
				return
			case <-ticker.C:
				req := c.newRequest("OPTIONS", c.url)
				if err := c.writeRequest(req); err != nil {
					c.logger.Warn("keepalive OPTIONS write failed", "error", err)
					return
				}
				c.logger.Debug("sent keepalive OPTIONS")
			}
		}
	}()
}

// ReadPackets reads demuxed packets until ctx is cancelled, EOF, or a fatal
// error. For TCP transport it demultiplexes the interleaved stream; for UDP
// it blocks on the transport's already-running reader goroutines and simply
// waits for cancellation, since the callbacks fire from those goroutines.
func (c *Client) ReadPackets(ctx context.Context) error {
	if c.transport == TransportUDP {
		return c.readPacketsUDP(ctx)
	}
	return c.readPacketsTCP(ctx)
}

func (c *Client) readPacketsTCP(ctx context.Context) error {
	packetCount := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		buf4, err := c.reader.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info("connection closed by server", "packets_received", packetCount)
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("peek: %w", err)
		}

		if buf4[0] != '$' {
			if string(buf4) == "RTSP" {
				if _, err := c.readResponseNoDeadline(); err != nil {
					return fmt.Errorf("read RTSP response: %w", err)
				}
				continue
			}
			if _, err := c.reader.ReadByte(); err != nil {
				return fmt.Errorf("discard unexpected byte: %w", err)
			}
			continue
		}

		channel := buf4[1]
		size := binary.BigEndian.Uint16(buf4[2:4])

		if _, err := c.reader.Discard(4); err != nil {
			return fmt.Errorf("discard header: %w", err)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read payload: %w", err)
		}

		if channel%2 == 0 {
			packet := &rtp.Packet{}
			if err := packet.Unmarshal(payload); err != nil {
				c.logger.Warn("failed to unmarshal RTP packet", "channel", channel, "error", err)
				continue
			}
			if c.OnRTPPacket != nil {
				c.OnRTPPacket(channel, packet)
			}
			packetCount++
		} else {
			if pkts, err := rtcp.Unmarshal(payload); err == nil && c.OnRTCPPacket != nil {
				c.OnRTCPPacket(channel, pkts)
			}
		}
	}
}

func (c *Client) readPacketsUDP(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close tears down the session and closes the transport.
func (c *Client) Close() error {
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.udp != nil {
		c.udp.Close()
	}
	if c.conn != nil {
		req := c.newRequest("TEARDOWN", c.url)
		_ = c.writeRequest(req)
		return c.conn.Close()
	}
	return nil
}

func (c *Client) options(ctx context.Context) error {
	req := c.newRequest("OPTIONS", c.url)
	_, err := c.do(req)
	return err
}

func (c *Client) describe(ctx context.Context, username, password string) error {
	req := c.newRequest("DESCRIBE", c.url)
	req.Header["Accept"] = "application/sdp"

	if username != "" {
		auth := username + ":" + password
		req.Header["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if contentBase := resp.Header["Content-Base"]; contentBase != "" {
		c.baseURL = strings.TrimSpace(contentBase)
	} else {
		c.baseURL = c.url
	}

	if err := c.parseSDP(resp.Body); err != nil {
		return fmt.Errorf("parse SDP: %w", err)
	}
	return nil
}

// parseSDP extracts media tracks using pion/sdp/v3 rather than hand-rolled
// line scanning: each m= media description becomes a Channel, and its
// a=control: attribute supplies the per-track SETUP path.
func (c *Client) parseSDP(raw []byte) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return fmt.Errorf("unmarshal SDP: %w", err)
	}

	var channelID byte
	for _, md := range sd.MediaDescriptions {
		media := md.MediaName.Media
		if media != "video" && media != "audio" {
			continue
		}

		var pt uint8
		if len(md.MediaName.Formats) > 0 {
			if v, err := strconv.Atoi(md.MediaName.Formats[0]); err == nil {
				pt = uint8(v)
			}
		}

		control := ""
		for _, attr := range md.Attributes {
			if attr.Key == "control" {
				control = attr.Value
				break
			}
		}

		c.Channels[channelID] = &Channel{
			ID:          channelID,
			MediaType:   media,
			Control:     control,
			PayloadType: pt,
		}
		channelID += 2
	}

	c.logger.Info("parsed SDP", "tracks", len(c.Channels))
	return nil
}

func (c *Client) setupTrack(ctx context.Context, channelID byte, ch *Channel) error {
	u, _ := url.Parse(c.baseURL)
	if !strings.HasPrefix(ch.Control, "rtsp://") && !strings.HasPrefix(ch.Control, "rtsps://") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ch.Control, "/")
	} else {
		u, _ = url.Parse(ch.Control)
	}
	controlURL := u.String()

	req := c.newRequest("SETUP", controlURL)

	var clientRTPPort int
	if c.transport == TransportUDP {
		var err error
		clientRTPPort, err = c.udp.openPair(channelID, c.OnRTPPacket, c.OnRTCPPacket)
		if err != nil {
			return fmt.Errorf("open UDP ports: %w", err)
		}
		req.Header["Transport"] = fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", clientRTPPort, clientRTPPort+1)
	} else {
		req.Header["Transport"] = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", channelID, channelID+1)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if c.session == "" {
		session := resp.Header["Session"]
		if idx := strings.IndexByte(session, ';'); idx > 0 {
			c.session = session[:idx]
		} else {
			c.session = session
		}
	}

	if c.transport == TransportUDP {
		if err := c.udp.bindServer(channelID, resp.Header["Transport"]); err != nil {
			return fmt.Errorf("bind server transport: %w", err)
		}
	}

	return nil
}

func (c *Client) newRequest(method, url string) *Request {
	c.cseq++
	return &Request{Method: method, URL: url, Header: make(map[string]string), CSeq: c.cseq}
}

func (c *Client) do(req *Request) (*Response, error) {
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *Client) writeRequest(req *Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session != "" {
		req.Header["Session"] = c.session
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%s %s RTSP/1.0\r\n", req.Method, req.URL)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", req.CSeq)
	buf.WriteString("User-Agent: nvrd/1.0\r\n")
	for k, v := range req.Header {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")

	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(buf.String()))
	return err
}

func (c *Client) readResponse() (*Response, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, err
	}
	return c.readResponseNoDeadline()
}

func (c *Client) readResponseNoDeadline() (*Response, error) {
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line: %s", statusLine)
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code: %s", parts[1])
	}

	resp := &Response{StatusCode: statusCode, Header: make(map[string]string)}

	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			resp.Header[key] = value
			if key == "Content-Length" {
				contentLength, _ = strconv.Atoi(value)
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		resp.Body = body
	}

	if statusCode != 200 {
		return nil, fmt.Errorf("RTSP error: %d", statusCode)
	}
	return resp, nil
}

// Request represents an RTSP request.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	CSeq   int
}

// Response represents an RTSP response.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}
