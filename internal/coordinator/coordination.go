package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/quizgrid/quizgrid/internal/protocol"
	"github.com/quizgrid/quizgrid/internal/registry"
	"github.com/quizgrid/quizgrid/internal/score"
)

// CoordinationService handles the worker-facing port: REGISTER, HEARTBEAT
// and SCORE lines, each independently token-gated when a shared secret is
// configured.
type CoordinationService struct {
	registry *registry.Registry
	scores   *score.Service
	secret   string
}

type CoordinationConfig struct {
	Registry *registry.Registry
	Scores   *score.Service
	Secret   string
}

func NewCoordinationService(c CoordinationConfig) *CoordinationService {
	return &CoordinationService{
		registry: c.Registry,
		scores:   c.Scores,
		secret:   c.Secret,
	}
}

// HandleConn serves one worker connection: one response per line, closing
// on the first malformed message. Retry policy belongs to the worker.
func (s *CoordinationService) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(socketTimeout)); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		resp, err := s.handleLine(ctx, line)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				fmt.Fprintf(conn, "%s\n", perr.Response())
			} else {
				fmt.Fprintf(conn, "ERREUR:%s\n", protocol.ReasonBadFields)
			}
			slog.WarnContext(ctx, "coordination: rejected message", "error", err)
			return
		}
		fmt.Fprintf(conn, "%s\n", resp)
	}
}

func (s *CoordinationService) handleLine(ctx context.Context, line string) (string, error) {
	switch {
	case line == "":
		return "", protocol.NewError(protocol.ReasonEmptyMessage)

	case strings.HasPrefix(line, protocol.PrefixRegister):
		reg, err := protocol.ParseRegister(line, s.secret)
		if err != nil {
			return "", err
		}
		s.registry.Register(registry.Worker{
			ID:        reg.ID,
			Host:      reg.Host,
			Port:      reg.Port,
			Theme:     reg.Theme,
			PartStart: reg.PartStart,
			PartEnd:   reg.PartEnd,
		})
		return protocol.RespRegistered, nil

	case strings.HasPrefix(line, protocol.PrefixHeartbeat):
		id, err := protocol.ParseHeartbeat(line, s.secret)
		if err != nil {
			return "", err
		}
		s.registry.Heartbeat(id)
		return protocol.RespAlive, nil

	case strings.HasPrefix(line, protocol.PrefixScore):
		report, err := protocol.ParseScoreReport(line, s.secret)
		if err != nil {
			return "", err
		}
		s.scores.Add(report.Username, report.Points)
		// A forwarded final score marks the end of a routed client's
		// match on that worker.
		s.registry.DecrementLoad(report.WorkerID)
		return protocol.RespScoreSaved, nil

	default:
		return "", protocol.NewError(protocol.ReasonUnknownCommand)
	}
}
