package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/proto"
)

// Relay wire protocol, framed as 4-byte length + payload on one stream per
// attachment. The first payload byte is the command.
const (
	relayCmdHello byte = 0 // [self key 32]
	relayCmdData  byte = 1 // [target/sender key 32][packet]
	relayCmdOOB   byte = 2 // [target/sender key 32][packet]
)

const (
	relayALPN     = "meshchat-relay"
	maxRelayFrame = proto.MaxPacketSize + 1 + crypto.EncPublicKeySize
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshchat-relay-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRelayFrame {
		return nil, errors.New("relay: invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type quicChannel struct {
	peer [crypto.EncPublicKeySize]byte
	use  bool
}

// QUICClient multiplexes one group's relay traffic over a single QUIC
// connection to a relay host.
type QUICClient struct {
	owner [crypto.EncPublicKeySize]byte
	node  proto.RelayNode

	mu       sync.Mutex
	conn     quic.Connection
	stream   quic.Stream
	nextID   int
	channels map[int]*quicChannel
	onPacket PacketFunc
	onOOB    OOBFunc
	closed   bool
}

// DialQUIC attaches to the relay at addr and announces owner as the local
// identity. node is the advertisable (endpoint, key) pair for this relay.
func DialQUIC(ctx context.Context, addr string, node proto.RelayNode, owner [crypto.EncPublicKeySize]byte) (*QUICClient, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	tlsConf := &tls.Config{RootCAs: pool, NextProtos: []string{relayALPN}}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}

	c := &QUICClient{
		owner:    owner,
		node:     node,
		conn:     conn,
		stream:   stream,
		channels: make(map[int]*quicChannel),
	}
	hello := make([]byte, 1+crypto.EncPublicKeySize)
	hello[0] = relayCmdHello
	copy(hello[1:], owner[:])
	if err := writeFrame(stream, hello); err != nil {
		conn.CloseWithError(0, "hello")
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *QUICClient) readLoop() {
	for {
		payload, err := readFrame(c.stream)
		if err != nil {
			debuglog.Debugf("relay read loop ended: %v", err)
			return
		}
		if len(payload) < 1+crypto.EncPublicKeySize {
			continue
		}
		var key [crypto.EncPublicKeySize]byte
		copy(key[:], payload[1:])
		data := payload[1+crypto.EncPublicKeySize:]
		c.mu.Lock()
		onPacket, onOOB := c.onPacket, c.onOOB
		c.mu.Unlock()
		switch payload[0] {
		case relayCmdData:
			if onPacket != nil {
				onPacket(data)
			}
		case relayCmdOOB:
			if onOOB != nil {
				onOOB(key, data)
			}
		}
	}
}

func (c *QUICClient) send(cmd byte, key [crypto.EncPublicKeySize]byte, data []byte) error {
	payload := make([]byte, 1+crypto.EncPublicKeySize+len(data))
	payload[0] = cmd
	copy(payload[1:], key[:])
	copy(payload[1+crypto.EncPublicKeySize:], data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return writeFrame(c.stream, payload)
}

func (c *QUICClient) NewChannel(peerKey [crypto.EncPublicKeySize]byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.channels[id] = &quicChannel{peer: peerKey}
	return id, nil
}

func (c *QUICClient) Send(channel int, data []byte) error {
	c.mu.Lock()
	ch, ok := c.channels[channel]
	c.mu.Unlock()
	if !ok {
		return ErrNoChannel
	}
	return c.send(relayCmdData, ch.peer, data)
}

func (c *QUICClient) SendOOB(relayKey, peerKey [crypto.EncPublicKeySize]byte, data []byte) error {
	// A single-relay client can only route through its own relay; relayKey
	// names where the peer was announced but is not sent; the server forwards
	// by peer key alone.
	return c.send(relayCmdOOB, peerKey, data)
}

func (c *QUICClient) SetStatus(channel int, useRelay bool) {
	c.mu.Lock()
	if ch, ok := c.channels[channel]; ok {
		ch.use = useRelay
	}
	c.mu.Unlock()
}

func (c *QUICClient) Kill(channel int) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

func (c *QUICClient) AddChannelRelay(channel int, node proto.RelayNode) {}

func (c *QUICClient) ConnectedRelays(max int) []proto.RelayNode {
	if max <= 0 {
		return nil
	}
	return []proto.RelayNode{c.node}
}

func (c *QUICClient) OnPacket(fn PacketFunc) {
	c.mu.Lock()
	c.onPacket = fn
	c.mu.Unlock()
}

func (c *QUICClient) OnOOB(fn OOBFunc) {
	c.mu.Lock()
	c.onOOB = fn
	c.mu.Unlock()
}

func (c *QUICClient) Do() {}

func (c *QUICClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.CloseWithError(0, "")
}

// Serve runs a relay host: it accepts attachments, learns each client's key
// from its hello, and forwards data and OOB frames between clients.
func Serve(ctx context.Context, addr string, ready chan<- string) error {
	cert, _, err := devTLSCert()
	if err != nil {
		return err
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{relayALPN}}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer listener.Close()
	if ready != nil {
		ready <- listener.Addr().String()
	}

	var mu sync.Mutex
	clients := make(map[[crypto.EncPublicKeySize]byte]quic.Stream)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func(conn quic.Connection) {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				conn.CloseWithError(0, "accept stream")
				return
			}
			hello, err := readFrame(stream)
			if err != nil || len(hello) != 1+crypto.EncPublicKeySize || hello[0] != relayCmdHello {
				conn.CloseWithError(0, "bad hello")
				return
			}
			var self [crypto.EncPublicKeySize]byte
			copy(self[:], hello[1:])

			mu.Lock()
			clients[self] = stream
			mu.Unlock()
			defer func() {
				mu.Lock()
				if clients[self] == stream {
					delete(clients, self)
				}
				mu.Unlock()
				conn.CloseWithError(0, "")
			}()

			for {
				payload, err := readFrame(stream)
				if err != nil {
					return
				}
				if len(payload) < 1+crypto.EncPublicKeySize {
					continue
				}
				if payload[0] != relayCmdData && payload[0] != relayCmdOOB {
					continue
				}
				var target [crypto.EncPublicKeySize]byte
				copy(target[:], payload[1:])

				// Rewrite the key field to the sender before forwarding.
				copy(payload[1:], self[:])

				// The lock also serializes writes to the target stream.
				mu.Lock()
				dst := clients[target]
				if dst != nil {
					if err := writeFrame(dst, payload); err != nil {
						debuglog.Debugf("relay forward failed: %v", err)
					}
				}
				mu.Unlock()
			}
		}(conn)
	}
}
