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

	"github.com/quizgrid/quizgrid/internal/leaderboard"
	"github.com/quizgrid/quizgrid/internal/protocol"
	"github.com/quizgrid/quizgrid/internal/registry"
	"github.com/quizgrid/quizgrid/internal/themes"
)

// ClientRouter serves the client-facing port: one request per connection,
// dispatched on prefix, then the connection is closed.
type ClientRouter struct {
	registry    *registry.Registry
	leaderboard *leaderboard.Service
	themes      *themes.Catalog
	clientToken string
	secret      string

	// dial is swappable in tests.
	dial func(addr string, timeout time.Duration) (net.Conn, error)
}

type RouterConfig struct {
	Registry    *registry.Registry
	Leaderboard *leaderboard.Service
	Themes      *themes.Catalog
	// ClientToken, when set, gates every command except QUIT.
	ClientToken string
	// Secret is forwarded on coordinator-to-worker pull requests.
	Secret string
}

func NewClientRouter(c RouterConfig) *ClientRouter {
	return &ClientRouter{
		registry:    c.Registry,
		leaderboard: c.Leaderboard,
		themes:      c.Themes,
		clientToken: c.ClientToken,
		secret:      c.Secret,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

// HandleConn runs the single round-trip client exchange.
func (r *ClientRouter) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	w := func(msg string) { fmt.Fprintf(conn, "%s\n", msg) }

	w(protocol.AskMode)

	if err := conn.SetReadDeadline(time.Now().Add(socketTimeout)); err != nil {
		return
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		w(protocol.NewError(protocol.ReasonMissingRequest).Response())
		return
	}
	line = strings.TrimRight(line, "\r\n")

	if err := r.route(ctx, line, w); err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			w(perr.Response())
		} else {
			w(protocol.NewError(protocol.ReasonBadFields).Response())
		}
		slog.WarnContext(ctx, "router: request rejected", "error", err)
	}
}

func (r *ClientRouter) route(ctx context.Context, line string, w func(string)) error {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return protocol.NewError(protocol.ReasonEmptyMessage)

	case trimmed == protocol.CmdQuit:
		w(protocol.RespBye)
		return nil

	case strings.HasPrefix(trimmed, protocol.PrefixHistory):
		if err := r.checkToken(trimmed); err != nil {
			return err
		}
		user := protocol.ExtractHistoryUser(trimmed)
		if !protocol.ValidName(user) {
			return protocol.NewError(protocol.ReasonBadUser)
		}
		r.emitHistory(ctx, user, w)
		return nil

	case strings.HasPrefix(trimmed, protocol.CmdLeaderboard):
		if err := r.checkToken(trimmed); err != nil {
			return err
		}
		r.emitLeaderboard(ctx, w)
		return nil

	case strings.HasPrefix(trimmed, protocol.CmdThemes):
		if err := r.checkToken(trimmed); err != nil {
			return err
		}
		w(protocol.MarkThemesBegin)
		for _, name := range r.themes.Names() {
			w(name)
		}
		w(protocol.MarkThemesEnd)
		return nil

	default:
		return r.redirect(ctx, trimmed, w)
	}
}

// redirect picks the least-loaded active worker for the requested theme.
func (r *ClientRouter) redirect(ctx context.Context, line string, w func(string)) error {
	if err := r.checkToken(line); err != nil {
		return err
	}

	theme := protocol.ExtractTheme(line)
	if !protocol.ValidTheme(theme) {
		return protocol.NewError(protocol.ReasonBadTheme)
	}

	worker, ok := r.registry.SelectForTheme(theme)
	if !ok {
		return protocol.NoServerError(theme)
	}

	w("REDIRECT:" + worker.Addr())
	r.registry.IncrementLoad(worker.ID)
	slog.InfoContext(ctx, "router: client redirected", "theme", theme, "worker", worker.ID)
	return nil
}

func (r *ClientRouter) emitLeaderboard(ctx context.Context, w func(string)) {
	w(protocol.MarkLeaderboardBegin)
	lb, err := r.leaderboard.Leaderboard(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "router: leaderboard read failed", "error", err)
	} else {
		for _, e := range lb.Entries {
			w(fmt.Sprintf("%s;%d", e.Username, e.Score))
		}
	}
	w(protocol.MarkLeaderboardEnd)
}

// emitHistory fans GET_HISTORY out to every active worker sequentially.
// A worker that errors or times out is skipped; partial results are fine.
func (r *ClientRouter) emitHistory(ctx context.Context, user string, w func(string)) {
	w(protocol.MarkHistoryBegin)
	for _, worker := range r.registry.Snapshot() {
		if !worker.Active {
			continue
		}
		lines, err := r.pullHistory(worker.Addr(), user)
		if err != nil {
			slog.WarnContext(ctx, "router: history pull skipped",
				"worker", worker.ID, "error", err)
			continue
		}
		for _, l := range lines {
			w(l)
		}
	}
	w(protocol.MarkHistoryEnd)
}

func (r *ClientRouter) pullHistory(addr, user string) ([]string, error) {
	conn, err := r.dial(addr, peekTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(peekTimeout)); err != nil {
		return nil, err
	}

	req := protocol.CmdGetHistory + ";USER=" + user
	if r.secret != "" {
		req += ";token=" + r.secret
	}
	if _, err := fmt.Fprintf(conn, "%s\n", req); err != nil {
		return nil, err
	}

	var lines []string
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return lines, nil
		}
		line = strings.TrimRight(line, "\r\n")
		if line == protocol.MarkHistoryEnd {
			return lines, nil
		}
		if line != protocol.MarkHistoryBegin {
			lines = append(lines, line)
		}
	}
}

func (r *ClientRouter) checkToken(line string) error {
	if r.clientToken == "" {
		return nil
	}
	if protocol.ExtractClientToken(line) != r.clientToken {
		return protocol.NewError(protocol.ReasonAuth)
	}
	return nil
}
