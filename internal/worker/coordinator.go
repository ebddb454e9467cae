package worker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/quizgrid/quizgrid/internal/protocol"
	"github.com/quizgrid/quizgrid/internal/registry"
)

// registerWithRetry blocks until the coordinator accepts the REGISTER,
// retrying on a fixed backoff.
func (s *Server) registerWithRetry(ctx context.Context) {
	msg := protocol.FormatRegister(s.c.Auth.ServerToken, protocol.Register{
		ID:        s.c.Worker.ID,
		Host:      s.c.Worker.Host,
		Port:      int(s.c.Worker.Port),
		Theme:     s.c.Worker.Theme,
		PartStart: s.c.Worker.PartStart,
		PartEnd:   s.c.Worker.PartEnd,
	})

	for {
		resp, err := s.roundTrip(msg)
		if err == nil && resp == protocol.RespRegistered {
			slog.InfoContext(ctx, "worker: registered",
				"id", s.c.Worker.ID, "coordinator", s.c.Coordinator.Addr)
			return
		}
		if err == nil {
			err = fmt.Errorf("unexpected response %q", resp)
		}
		slog.WarnContext(ctx, "worker: register failed, retrying",
			"error", err, "backoff", registerBackoff)

		select {
		case <-s.stop:
			return
		case <-time.After(registerBackoff):
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()

	msg := protocol.FormatHeartbeat(s.c.Auth.ServerToken, s.c.Worker.ID)
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if _, err := s.roundTrip(msg); err != nil {
				slog.WarnContext(ctx, "worker: heartbeat failed", "error", err)
			}
		}
	}
}

// recordFinalScore routes a finished participant's score by partition
// hash: owned usernames go to the local partition store, the rest are
// forwarded to the coordinator.
func (s *Server) recordFinalScore(username string, points int) {
	h := registry.HashUsername(username, s.partitionMax())
	if h >= s.c.Worker.PartStart && h <= s.c.Worker.PartEnd {
		total := s.service.scores.Add(username, points)
		slog.Info("worker: score saved locally",
			"username", username, "points", points, "total", total)
		return
	}

	msg := protocol.FormatScoreReport(s.c.Auth.ServerToken, protocol.ScoreReport{
		Username: username,
		Points:   points,
		WorkerID: s.c.Worker.ID,
	})
	if _, err := s.roundTrip(msg); err != nil {
		slog.Error("worker: score forward failed",
			"username", username, "error", err)
		return
	}
	slog.Info("worker: score forwarded", "username", username, "points", points)
}

func (s *Server) partitionMax() int {
	if s.c.Worker.PartitionMax > 0 {
		return s.c.Worker.PartitionMax
	}
	return registry.DefaultPartitionMax
}

// roundTrip dials the coordinator, sends one line and reads one line back.
func (s *Server) roundTrip(msg string) (string, error) {
	conn, err := net.DialTimeout("tcp", s.c.Coordinator.Addr, socketTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(socketTimeout)); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", msg); err != nil {
		return "", err
	}

	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(resp, "\r\n"), nil
}
