// Package e2e boots a real coordinator and worker on loopback sockets and
// drives the full client journey: routing, auth, a multiplayer match and
// the cross-node history pull.
package e2e

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quizgrid/quizgrid/internal/coordinator"
	"github.com/quizgrid/quizgrid/internal/storage"
	"github.com/quizgrid/quizgrid/internal/worker"
)

func TestPlatform_RouteAndPlay(t *testing.T) {
	ports := struct {
		coordClient, coordWorker, coordHTTP int
		mathsTCP, mathsHTTP, deadWorker     int
		histoireTCP, histoireHTTP           int
	}{
		coordClient:  freePort(t),
		coordWorker:  freePort(t),
		coordHTTP:    freePort(t),
		mathsTCP:     freePort(t),
		mathsHTTP:    freePort(t),
		deadWorker:   freePort(t),
		histoireTCP:  freePort(t),
		histoireHTTP: freePort(t),
	}

	// A stale busy worker in the registry; routing must prefer the idle
	// live one.
	coordStore := t.TempDir() + "/coordinator.json"
	seedRegistry(t, coordStore, map[string]any{
		"id":     "w-busy",
		"host":   "127.0.0.1",
		"port":   ports.deadWorker,
		"theme":  "Maths",
		"load":   3,
		"active": true,
	})

	workerStore := t.TempDir() + "/worker.json"
	seedQuestions(t, workerStore)

	startCoordinator(t, coordStore, ports.coordClient, ports.coordWorker, ports.coordHTTP)
	startWorker(t, workerStore, "w1", "Maths", ports.mathsTCP, ports.mathsHTTP, ports.coordWorker)
	startWorker(t, t.TempDir()+"/worker2.json", "w2", "Histoire", ports.histoireTCP, ports.histoireHTTP, ports.coordWorker)

	statusURL := fmt.Sprintf("http://127.0.0.1:%d/status", ports.coordHTTP)
	require.Eventually(t, func() bool {
		return workerLoad(statusURL, "w1") == 0 && workerLoad(statusURL, "w2") == 0
	}, 10*time.Second, 100*time.Millisecond, "workers never registered")

	t.Run("play request routes to the least loaded worker", func(t *testing.T) {
		lines := askCoordinator(t, ports.coordClient, "PLAY:Maths")
		require.Equal(t, []string{fmt.Sprintf("REDIRECT:127.0.0.1:%d", ports.mathsTCP)}, lines)

		require.Eventually(t, func() bool {
			return workerLoad(statusURL, "w1") == 1
		}, 5*time.Second, 100*time.Millisecond, "redirect did not raise the worker's load")
	})

	t.Run("themes route to their own worker", func(t *testing.T) {
		lines := askCoordinator(t, ports.coordClient, "PLAY:Histoire")
		require.Equal(t, []string{fmt.Sprintf("REDIRECT:127.0.0.1:%d", ports.histoireTCP)}, lines)
	})

	t.Run("two players finish a match", func(t *testing.T) {
		workerAddr := fmt.Sprintf("127.0.0.1:%d", ports.mathsTCP)

		aliceDone := make(chan []string, 1)
		bobDone := make(chan []string, 1)
		go func() { aliceDone <- playMulti(t, workerAddr, "alice", "4") }()
		go func() { bobDone <- playMulti(t, workerAddr, "bob", "zz") }()

		var alice, bob []string
		for i := 0; i < 2; i++ {
			select {
			case alice = <-aliceDone:
			case bob = <-bobDone:
			case <-time.After(60 * time.Second):
				t.Fatal("match did not finish")
			}
		}

		aliceEnd := lastWithPrefix(t, alice, "MATCH_END:")
		require.Contains(t, aliceEnd, "Rang=1")
		require.Contains(t, aliceEnd, "Total=2")
		require.NotContains(t, aliceEnd, "Score=0")

		bobEnd := lastWithPrefix(t, bob, "MATCH_END:")
		require.Contains(t, bobEnd, "Score=0")
		require.Contains(t, bobEnd, "Rang=2")

		scores := askWorker(t, workerAddr, "GET_SCORES")
		require.Equal(t, "END_SCORES", scores[len(scores)-1])
		require.Condition(t, func() bool {
			for _, l := range scores {
				if strings.HasPrefix(l, "alice;") && l != "alice;0" {
					return true
				}
			}
			return false
		}, "alice's score never reached the partition store: %v", scores)
	})

	t.Run("history pull fans out across the fleet", func(t *testing.T) {
		lines := askCoordinator(t, ports.coordClient, "HISTORY:alice")
		require.Equal(t, "HISTORY_BEGIN", lines[0])
		require.Equal(t, "HISTORY_END", lines[len(lines)-1])

		rows := lines[1 : len(lines)-1]
		require.Len(t, rows, 1, "the unreachable worker must be skipped silently")
		require.Contains(t, rows[0], ";Maths;")
		require.True(t, strings.HasSuffix(rows[0], ";1/2"), "row %q", rows[0])
	})
}

func startCoordinator(t *testing.T, storePath string, clientPort, workerPort, httpPort int) {
	var c coordinator.Config
	c.TCP.ClientPort = int32(clientPort)
	c.TCP.WorkerPort = int32(workerPort)
	c.HTTP.Port = int32(httpPort)
	c.Storage.Path = storePath

	s, err := coordinator.Init(c)
	require.NoError(t, err)

	go s.Start()
	t.Cleanup(s.Shutdown)

	waitPort(t, clientPort)
	waitPort(t, workerPort)
}

func startWorker(t *testing.T, storePath, id, theme string, tcpPort, httpPort, coordWorkerPort int) {
	var c worker.Config
	c.Worker.ID = id
	c.Worker.Theme = theme
	c.Worker.Host = "127.0.0.1"
	c.Worker.Port = int32(tcpPort)
	c.Worker.PartStart = 0
	c.Worker.PartEnd = 99
	c.Coordinator.Addr = fmt.Sprintf("127.0.0.1:%d", coordWorkerPort)
	c.HTTP.Port = int32(httpPort)
	c.Storage.Path = storePath

	s, err := worker.Init(c)
	require.NoError(t, err)

	go s.Start()
	t.Cleanup(s.Shutdown)
}

func seedRegistry(t *testing.T, path string, workers ...map[string]any) {
	store, err := storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(storage.SectionRegistry, workers))
}

func seedQuestions(t *testing.T, path string) {
	store, err := storage.Open(path)
	require.NoError(t, err)

	questions := make([]map[string]any, 0, 5)
	for i := 0; i < 5; i++ {
		questions = append(questions, map[string]any{
			"theme":    "Maths",
			"question": fmt.Sprintf("Combien font 2+2 ? (variante %d)", i),
			"answer":   "4",
		})
	}
	require.NoError(t, store.Put(storage.SectionThemesJSON, questions))
}

// playMulti runs one player through auth, matchmaking and a full match,
// answering every question with the same line. Returns everything the
// worker sent.
func playMulti(t *testing.T, addr, username, answer string) []string {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "REGISTER:%s;PASS:secret\n", username)

	var lines []string
	r := bufio.NewReader(conn)
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return lines
		}
		line := strings.TrimRight(raw, "\n")
		lines = append(lines, line)

		switch {
		case line == "MODE?":
			fmt.Fprintf(conn, "MODE:MULTI\n")
		case line == "ROOM?":
			fmt.Fprintf(conn, "ROOM:\n")
		case strings.HasPrefix(line, "QUESTION:"):
			fmt.Fprintf(conn, "%s\n", answer)
		}
	}
}

// askCoordinator runs one client request against the coordinator and
// returns every line after the MODE? prompt.
func askCoordinator(t *testing.T, clientPort int, request string) []string {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", clientPort))
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	prompt, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "MODE?\n", prompt)

	fmt.Fprintf(conn, "%s\n", request)
	return readAll(r)
}

func askWorker(t *testing.T, addr, request string) []string {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "%s\n", request)
	return readAll(bufio.NewReader(conn))
}

func readAll(r *bufio.Reader) []string {
	var lines []string
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return lines
		}
		lines = append(lines, strings.TrimRight(raw, "\n"))
	}
}

// workerLoad reads a worker's load off the coordinator status endpoint;
// -1 means the worker is not registered yet.
func workerLoad(url, id string) int {
	resp, err := http.Get(url)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	var status struct {
		Workers []struct {
			ID   string
			Load int
		} `json:"workers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return -1
	}
	for _, w := range status.Workers {
		if w.ID == id {
			return w.Load
		}
	}
	return -1
}

func lastWithPrefix(t *testing.T, lines []string, prefix string) string {
	t.Helper()
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], prefix) {
			return lines[i]
		}
	}
	t.Fatalf("no line with prefix %q in %v", prefix, lines)
	return ""
}

func freePort(t *testing.T) int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func waitPort(t *testing.T, port int) {
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 10*time.Second, 100*time.Millisecond)
}
