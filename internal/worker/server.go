// Package worker wires a themed worker node: registration and heartbeat
// against the coordinator, client matches, the matchmaking poll and the
// partition-owned score store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quizgrid/quizgrid/internal/auth"
	"github.com/quizgrid/quizgrid/internal/event"
	"github.com/quizgrid/quizgrid/internal/history"
	"github.com/quizgrid/quizgrid/internal/match"
	"github.com/quizgrid/quizgrid/internal/matchmaking"
	"github.com/quizgrid/quizgrid/internal/score"
	"github.com/quizgrid/quizgrid/internal/session"
	"github.com/quizgrid/quizgrid/internal/storage"
	"github.com/quizgrid/quizgrid/internal/themes"
)

const (
	socketTimeout     = 15 * time.Second
	peekTimeout       = 2 * time.Second
	heartbeatInterval = 10 * time.Second
	matchmakerPoll    = 1 * time.Second
	registerBackoff   = 5 * time.Second

	minPlayers        = 2
	maxPlayers        = 4
	questionsPerMatch = 5
	historyLimit      = 200

	defaultRoundTimeout = 45 * time.Second
	defaultRounds       = 1
)

type Config struct {
	Worker struct {
		ID    string
		Theme string
		// Host is the address advertised to the coordinator.
		Host string
		Port int32

		PartStart    int
		PartEnd      int
		PartitionMax int
	}

	Coordinator struct {
		Addr string
	}

	HTTP struct {
		Port int32
	}

	Auth struct {
		ServerToken string
	}

	Storage struct {
		Path string
	}

	Match struct {
		Rounds         int
		RoundTimeoutMS int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		store storage.Store
	}

	service struct {
		auth    *auth.Service
		themes  *themes.Catalog
		history *history.Service
		scores  *score.Service
		queue   *matchmaking.Queue
	}

	http *http.Server

	lis  net.Listener
	stop chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c, stop: make(chan struct{})}

	if c.Match.Rounds <= 0 {
		s.c.Match.Rounds = defaultRounds
	}
	if c.Match.RoundTimeoutMS <= 0 {
		s.c.Match.RoundTimeoutMS = int(defaultRoundTimeout / time.Millisecond)
	}

	s.eb = event.NewBus()

	store, err := storage.Open(c.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("worker: init storage: %w", err)
	}
	s.infra.store = store

	s.initService()
	s.initHTTP()
	return s, nil
}

func (s *Server) initService() {
	s.service.auth = auth.NewService(s.infra.store)
	s.service.themes = themes.Load(s.infra.store)
	s.service.history = history.NewService(s.infra.store)
	s.service.scores = score.NewService(score.Config{
		Store:        s.infra.store,
		PartitionKey: fmt.Sprintf("partition_%d-%d", s.c.Worker.PartStart, s.c.Worker.PartEnd),
		EventBus:     s.eb,
	})
	s.service.queue = matchmaking.NewQueue()
}

func (s *Server) initHTTP() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":      s.c.Worker.ID,
			"theme":   s.c.Worker.Theme,
			"waiting": s.service.queue.Waiting(),
			"scores":  s.service.scores.Snapshot(),
		})
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start registers against the coordinator (blocking, with fixed backoff)
// and then runs the acceptor, heartbeat and matchmaker loops.
func (s *Server) Start() {
	ctx := context.TODO()

	s.registerWithRetry(ctx)

	var err error
	s.lis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.c.Worker.Port))
	if err != nil {
		slog.ErrorContext(ctx, "worker: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("worker: %s serving %s on port %d",
			s.c.Worker.ID, s.c.Worker.Theme, s.c.Worker.Port))
		return s.acceptLoop(ctx)
	})

	eg.Go(func() error {
		s.heartbeatLoop(ctx)
		return nil
	})

	eg.Go(func() error {
		s.matchmakerLoop(ctx)
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("worker: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "worker: shutdown with error", "error", err)
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) matchmakerLoop(ctx context.Context) {
	t := time.NewTicker(matchmakerPoll)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			group := s.service.queue.TryFormGroup(minPlayers, maxPlayers)
			if group == nil {
				continue
			}
			go s.runMatch(ctx, group)
		}
	}
}

func (s *Server) runMatch(ctx context.Context, group []*session.Player) {
	m := match.New(match.Config{
		Theme:           s.c.Worker.Theme,
		Questions:       s.service.themes.Questions(s.c.Worker.Theme),
		Players:         group,
		QuestionCount:   questionsPerMatch,
		Rounds:          s.c.Match.Rounds,
		RoundTimeout:    time.Duration(s.c.Match.RoundTimeoutMS) * time.Millisecond,
		QuestionTimeout: match.DefaultQuestionTimeout,
		Record:          s.recordFinalScore,
		History:         s.service.history,
	})
	slog.InfoContext(ctx, "worker: match starting", "players", len(group))
	m.Play()
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	close(s.stop)
	if s.lis != nil {
		_ = s.lis.Close()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "worker: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "worker: shutdown completed")
}
