package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"authguard/internal/config"
	"authguard/internal/model"
)

const sourceSyslog = "syslog"

// StartSyslog listens for auth log lines over UDP and newline framed TCP.
// sshd and pam messages forwarded by rsyslog parse directly.
func StartSyslog(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Report, logger *slog.Logger) {
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
	emit := func(line string) {
		processLine(ctx, cfg, parser, out, logger, sourceSyslog, line)
	}
	if current.UDPAddr != "" {
		conn, err := net.ListenPacket("udp", current.UDPAddr)
		if err != nil {
			if logger != nil {
				logger.Error("syslog udp listen error", "addr", current.UDPAddr, "err", err)
			}
		} else {
			go serveUDP(ctx, conn, emit, logger)
		}
	}
	if current.TCPAddr != "" {
		ln, err := net.Listen("tcp", current.TCPAddr)
		if err != nil {
			if logger != nil {
				logger.Error("syslog tcp listen error", "addr", current.TCPAddr, "err", err)
			}
		} else {
			go serveTCP(ctx, ln, emit, logger)
		}
	}
}

func serveUDP(ctx context.Context, conn net.PacketConn, emit func(string), logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("syslog udp read error", "err", err)
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			emit(line)
		}
	}
}

func serveTCP(ctx context.Context, ln net.Listener, emit func(string), logger *slog.Logger) {
	defer ln.Close()
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
			continue
		}
		go handleTCPConn(ctx, conn, emit, logger)
	}
}

func handleTCPConn(ctx context.Context, conn net.Conn, emit func(string), logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("syslog tcp read error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}
