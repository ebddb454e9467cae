// Package coordinator wires the master process: worker registry, client
// routing, heartbeat sweeping and periodic pull-based score aggregation.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quizgrid/quizgrid/internal/domain"
	"github.com/quizgrid/quizgrid/internal/event"
	"github.com/quizgrid/quizgrid/internal/leaderboard"
	"github.com/quizgrid/quizgrid/internal/protocol"
	"github.com/quizgrid/quizgrid/internal/registry"
	"github.com/quizgrid/quizgrid/internal/score"
	"github.com/quizgrid/quizgrid/internal/storage"
	"github.com/quizgrid/quizgrid/internal/telemetry"
	"github.com/quizgrid/quizgrid/internal/themes"
)

const (
	socketTimeout       = 15 * time.Second
	peekTimeout         = 2 * time.Second
	sweepInterval       = 5 * time.Second
	heartbeatTimeout    = 30 * time.Second
	aggregationInterval = 30 * time.Second
)

type Config struct {
	TCP struct {
		ClientPort int32
		WorkerPort int32
	}

	HTTP struct {
		Port int32
	}

	Auth struct {
		// ServerToken gates worker coordination messages.
		ServerToken string
		// ClientToken gates client commands.
		ClientToken string
	}

	Storage struct {
		Path string
	}

	Partition struct {
		Max int
	}

	Redis struct {
		Leaderboard struct {
			Enabled bool
			Addrs   []string
			Pass    string
			Prefix  string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		store storage.Store
		redis redis.UniversalClient
	}

	service struct {
		registry     *registry.Registry
		scores       *score.Service
		leaderboard  *leaderboard.Service
		themes       *themes.Catalog
		coordination *CoordinationService
		router       *ClientRouter
	}

	http *http.Server

	clientLis net.Listener
	workerLis net.Listener
	stop      chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c, stop: make(chan struct{})}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("coordinator: init infra: %w", err)
	}

	s.initService()
	s.initHTTP()
	return s, nil
}

func (s *Server) initInfra() error {
	store, err := storage.Open(s.c.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	s.infra.store = store

	if s.c.Redis.Leaderboard.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    s.c.Redis.Leaderboard.Addrs,
			Password: s.c.Redis.Leaderboard.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if err := r.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		s.infra.redis = r
	}

	return nil
}

func (s *Server) initService() {
	s.service.registry = registry.New(registry.Config{
		Store:        s.infra.store,
		PartitionMax: s.c.Partition.Max,
	})

	s.service.scores = score.NewService(score.Config{
		Store:    s.infra.store,
		EventBus: s.eb,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Scores:   s.service.scores,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.themes = themes.Load(s.infra.store)

	s.service.coordination = NewCoordinationService(CoordinationConfig{
		Registry: s.service.registry,
		Scores:   s.service.scores,
		Secret:   s.c.Auth.ServerToken,
	})

	s.service.router = NewClientRouter(RouterConfig{
		Registry:    s.service.registry,
		Leaderboard: s.service.leaderboard,
		Themes:      s.service.themes,
		ClientToken: s.c.Auth.ClientToken,
		Secret:      s.c.Auth.ServerToken,
	})
}

func (s *Server) initHTTP() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/status", func(c *gin.Context) {
		lb, _ := s.service.leaderboard.Leaderboard(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"workers":     s.service.registry.Snapshot(),
			"leaderboard": lb,
		})
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var err error
	s.clientLis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.c.TCP.ClientPort))
	if err != nil {
		slog.ErrorContext(ctx, "coordinator: client listen failed", "error", err)
		panic(err)
	}
	s.workerLis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.c.TCP.WorkerPort))
	if err != nil {
		slog.ErrorContext(ctx, "coordinator: worker listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("coordinator: clients on port %d", s.c.TCP.ClientPort))
		return s.accept(ctx, s.clientLis, s.service.router.HandleConn)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("coordinator: workers on port %d", s.c.TCP.WorkerPort))
		return s.accept(ctx, s.workerLis, s.service.coordination.HandleConn)
	})

	eg.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	eg.Go(func() error {
		s.aggregationLoop(ctx)
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("coordinator: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "coordinator: shutdown with error", "error", err)
	}
}

func (s *Server) accept(ctx context.Context, lis net.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return err
			}
		}
		go handle(ctx, conn)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			for _, id := range s.service.registry.SweepStale(heartbeatTimeout) {
				s.eb.Publish(ctx, domain.EventWorkerExpired{WorkerID: id})
			}
		}
	}
}

// aggregationLoop pulls GET_SCORES from every active worker and max-merges
// the snapshots into the global view.
func (s *Server) aggregationLoop(ctx context.Context) {
	t := time.NewTicker(aggregationInterval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.aggregate(ctx)
		}
	}
}

func (s *Server) aggregate(ctx context.Context) {
	merged := make(map[string]int)
	for _, w := range s.service.registry.Snapshot() {
		if !w.Active {
			continue
		}
		snapshot, err := s.pullScores(w.Addr())
		if err != nil {
			slog.WarnContext(ctx, "coordinator: aggregation pull skipped",
				"worker", w.ID, "error", err)
			continue
		}
		for name, sc := range snapshot {
			if sc > merged[name] {
				merged[name] = sc
			}
		}
	}

	if len(merged) == 0 {
		return
	}
	s.service.scores.MergeMax(merged)

	s.eb.Publish(ctx, domain.EventScoresMerged{
		Leaderboard: domain.Leaderboard{Entries: s.service.scores.Ranking()},
	})
	slog.InfoContext(ctx, "coordinator: aggregation merged", "entries", len(merged))
}

func (s *Server) pullScores(addr string) (map[string]int, error) {
	conn, err := net.DialTimeout("tcp", addr, peekTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(socketTimeout)); err != nil {
		return nil, err
	}

	req := protocol.CmdGetScores
	if s.c.Auth.ServerToken != "" {
		req += ";token=" + s.c.Auth.ServerToken
	}
	if _, err := fmt.Fprintf(conn, "%s\n", req); err != nil {
		return nil, err
	}

	scores := make(map[string]int)
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == protocol.MarkScoresEnd {
			return scores, nil
		}
		name, value, ok := strings.Cut(line, ";")
		if !ok {
			continue
		}
		sc, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		scores[name] = sc
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	close(s.stop)
	if s.clientLis != nil {
		_ = s.clientLis.Close()
	}
	if s.workerLis != nil {
		_ = s.workerLis.Close()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "coordinator: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "coordinator: shutdown completed")
}
