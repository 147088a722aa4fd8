// Package links connects PacketConns over real transports: plain TCP, QUIC
// and WebSocket. Listeners hand every accepted connection to the PacketConn;
// dialed links redial with exponential backoff when they fall over.
package links

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/larchwood/larchwood/types"
)

const (
	dialBackoffMin = time.Second
	dialBackoffMax = time.Minute
)

type Links struct {
	pc        types.PacketConn
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	listeners []io.Closer
}

func New(pc types.PacketConn, logger *zap.Logger) *Links {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Links{pc: pc, log: logger, ctx: ctx, cancel: cancel}
}

// Listen starts accepting peer connections on a transport URL, e.g.
// "tcp://[::]:12345", "quic://[::]:12345" or "ws://[::]:12345".
func (l *Links) Listen(u string) error {
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "tcp":
		return l.listenTCP(parsed.Host)
	case "quic":
		return l.listenQUIC(parsed.Host)
	case "ws":
		return l.listenWS(parsed.Host)
	default:
		return fmt.Errorf("unsupported listen scheme %q", parsed.Scheme)
	}
}

// Dial opens a persistent outbound link. The connection is redialed with
// exponential backoff whenever it drops, until Close.
func (l *Links) Dial(u string) error {
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "tcp", "quic", "ws", "wss":
	default:
		return fmt.Errorf("unsupported dial scheme %q", parsed.Scheme)
	}
	l.wg.Add(1)
	go l.dialLoop(parsed)
	return nil
}

// Close stops all listeners and dialers. In-flight link handshakes are
// abandoned; established peers are torn down by closing the PacketConn.
func (l *Links) Close() error {
	l.cancel()
	l.mu.Lock()
	for _, listener := range l.listeners {
		_ = listener.Close()
	}
	l.listeners = nil
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

func (l *Links) addListener(listener io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *Links) handleInbound(conn net.Conn) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.pc.HandleConn(conn, false); err != nil {
			l.log.Debug("inbound link closed",
				zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		}
	}()
}

func (l *Links) dialLoop(u *url.URL) {
	defer l.wg.Done()
	delay := dialBackoffMin
	for {
		conn, err := l.dialOnce(u)
		if err == nil {
			delay = dialBackoffMin
			err = l.pc.HandleConn(conn, true)
		}
		l.log.Debug("outbound link down",
			zap.String("url", u.String()), zap.Error(err))
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > dialBackoffMax {
			delay = dialBackoffMax
		}
	}
}

func (l *Links) dialOnce(u *url.URL) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
	defer cancel()
	switch u.Scheme {
	case "tcp":
		return l.dialTCP(ctx, u.Host)
	case "quic":
		return l.dialQUIC(ctx, u.Host)
	case "ws", "wss":
		return l.dialWS(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported dial scheme %q", u.Scheme)
	}
}
