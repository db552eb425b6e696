package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

func StartSyslog(ctx context.Context, cfg *config.Manager, out chan<- model.LogEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("syslog ingest enabled", "udp_addr", current.UDPAddr, "tcp_addr", current.TCPAddr)
	}
	if current.UDPAddr != "" {
		go listenUDP(ctx, current.UDPAddr, cfg, out, logger)
	}
	if current.TCPAddr != "" {
		ln, err := net.Listen("tcp", current.TCPAddr)
		if err != nil {
			if logger != nil {
				logger.Error("syslog tcp listen error", "err", err)
			}
			return
		}
		go ServeLines(ctx, ln, cfg, out, logger)
	}
}

func listenUDP(ctx context.Context, addr string, cfg *config.Manager, out chan<- model.LogEvent, logger *slog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp listen error", "err", err)
		}
		return
	}
	defer conn.Close()
	parser := NewParser()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if logger != nil {
				logger.Warn("syslog udp read error", "err", err)
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			handleLine(ctx, "syslog_udp", line, time.Now(), cfg, parser, out, logger)
		}
	}
}

// ServeLines accepts connections on ln and reads one event per line from
// each until ctx is done. It closes ln on return.
func ServeLines(ctx context.Context, ln net.Listener, cfg *config.Manager, out chan<- model.LogEvent, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("syslog tcp accept error", "err", err)
			}
			if !BackoffSleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		go handleConn(ctx, conn, cfg, out, logger)
	}
}

func handleConn(ctx context.Context, conn net.Conn, cfg *config.Manager, out chan<- model.LogEvent, logger *slog.Logger) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		handleLine(ctx, "syslog_tcp", scanner.Text(), time.Now(), cfg, parser, out, logger)
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && logger != nil {
		logger.Warn("syslog tcp scanner error", "err", err)
	}
}
