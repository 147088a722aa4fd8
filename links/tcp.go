package links

import (
	"context"
	"net"

	"go.uber.org/zap"
)

func (l *Links) listenTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.addListener(listener)
	l.log.Info("listening", zap.String("proto", "tcp"), zap.String("addr", listener.Addr().String()))
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			l.handleInbound(conn)
		}
	}()
	return nil
}

func (l *Links) dialTCP(ctx context.Context, host string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", host)
}
