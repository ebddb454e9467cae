package worker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/quizgrid/quizgrid/internal/match"
	"github.com/quizgrid/quizgrid/internal/protocol"
	"github.com/quizgrid/quizgrid/internal/session"
)

// handleConn serves one accepted connection. The first line is peeked
// under a short timeout to tell coordinator pull requests (GET_SCORES,
// GET_HISTORY) from real players; a player's early line, if any, is
// reused as the auth message.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	w := func(msg string) { fmt.Fprintf(conn, "%s\n", msg) }

	first, _ := readLine(conn, r, peekTimeout)

	switch {
	case strings.HasPrefix(first, protocol.CmdGetScores):
		defer conn.Close()
		if !protocol.VerifyServerToken(first, s.c.Auth.ServerToken) {
			w(protocol.NewError(protocol.ReasonAuth).Response())
			return
		}
		s.emitScores(w)
		return

	case strings.HasPrefix(first, protocol.CmdGetHistory):
		defer conn.Close()
		if !protocol.VerifyServerToken(first, s.c.Auth.ServerToken) {
			w(protocol.NewError(protocol.ReasonAuth).Response())
			return
		}
		s.emitHistory(first, w)
		return
	}

	s.handlePlayer(ctx, conn, r, first, w)
}

func (s *Server) emitScores(w func(string)) {
	for name, sc := range s.service.scores.Snapshot() {
		w(fmt.Sprintf("%s;%d", name, sc))
	}
	w(protocol.MarkScoresEnd)
}

func (s *Server) emitHistory(req string, w func(string)) {
	w(protocol.MarkHistoryBegin)
	user := strings.TrimSpace(protocol.ExtractRequestUser(req))
	if user != "" {
		for _, line := range s.service.history.ForUser(user, historyLimit) {
			w(line)
		}
	}
	w(protocol.MarkHistoryEnd)
}

func (s *Server) handlePlayer(ctx context.Context, conn net.Conn, r *bufio.Reader, first string, w func(string)) {
	w(protocol.AskAuth)

	authMsg := first
	if authMsg == "" {
		line, err := readLine(conn, r, socketTimeout)
		if err != nil {
			conn.Close()
			return
		}
		authMsg = line
	}

	username, err := s.service.auth.Authenticate(authMsg)
	if err != nil {
		w("ERREUR:AUTH:" + err.Error())
		conn.Close()
		return
	}
	w(protocol.RespAuthOK)

	w(protocol.AskMode)
	modeMsg, err := readLine(conn, r, socketTimeout)
	if err != nil {
		conn.Close()
		return
	}

	if protocol.ExtractMode(modeMsg) == "SOLO" {
		s.playSolo(ctx, conn, r, username, w)
		return
	}

	w(protocol.AskRoom)
	roomMsg, err := readLine(conn, r, socketTimeout)
	if err != nil {
		conn.Close()
		return
	}
	roomCode := protocol.ExtractRoomCode(roomMsg)

	player := session.NewWithReader(username, roomCode, conn, r)
	w(protocol.RespWaiting)
	s.service.queue.Enqueue(player)
	slog.InfoContext(ctx, "worker: player queued",
		"username", username, "room", roomCode, "waiting", s.service.queue.Waiting())

	// The match machinery owns the session from here; block until it
	// is released so the connection outlives exactly one match.
	player.AwaitFinish()
}

func (s *Server) playSolo(ctx context.Context, conn net.Conn, r *bufio.Reader, username string, w func(string)) {
	w(protocol.RespSoloReady)

	player := session.NewWithReader(username, "", conn, r)
	solo := match.NewSolo(match.SoloConfig{
		Theme:           s.c.Worker.Theme,
		Questions:       s.service.themes.Questions(s.c.Worker.Theme),
		Player:          player,
		QuestionCount:   questionsPerMatch,
		QuestionTimeout: match.DefaultQuestionTimeout,
		Record:          s.recordFinalScore,
		History:         s.service.history,
	})
	slog.InfoContext(ctx, "worker: solo match starting", "username", username)
	solo.Play()
}

func readLine(conn net.Conn, r *bufio.Reader, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
