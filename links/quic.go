package links

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const quicProto = "larchwood"

// The link handshake authenticates peers by identity key, so QUIC's TLS layer
// only provides transport encryption with a throwaway self-signed cert.
func quicServerTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: quicProto},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicProto},
	}, nil
}

func quicClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // identity is checked by the link handshake
		NextProtos:         []string{quicProto},
	}
}

// quicConn adapts one bidirectional stream to net.Conn. Each peer link uses
// its own QUIC connection with a single stream.
type quicConn struct {
	quic.Stream
	qc quic.Connection
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.qc.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.qc.RemoteAddr()
}

func (c *quicConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	_ = c.qc.CloseWithError(0, "")
	return err
}

func (l *Links) listenQUIC(addr string) error {
	tlsConf, err := quicServerTLS()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	l.addListener(listener)
	l.log.Info("listening", zap.String("proto", "quic"), zap.String("addr", listener.Addr().String()))
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			qc, err := listener.Accept(l.ctx)
			if err != nil {
				return
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				stream, err := qc.AcceptStream(l.ctx)
				if err != nil {
					_ = qc.CloseWithError(0, "")
					return
				}
				l.handleInbound(&quicConn{Stream: stream, qc: qc})
			}()
		}
	}()
	return nil
}

func (l *Links) dialQUIC(ctx context.Context, host string) (net.Conn, error) {
	qc, err := quic.DialAddr(ctx, host, quicClientTLS(), nil)
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{Stream: stream, qc: qc}, nil
}
