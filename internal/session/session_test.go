package session_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quizgrid/quizgrid/internal/session"
)

func TestPlayer_SendAndReadLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	p := session.New("alice", "", server)
	defer p.Close()

	go func() {
		r := bufio.NewReader(client)
		line, _ := r.ReadString('\n')
		if line == "QUESTION:2+2 ?\n" {
			client.Write([]byte("4\r\n"))
		}
	}()

	require.NoError(t, p.Send("QUESTION:2+2 ?"))

	answer, err := p.ReadLine(time.Second)
	require.NoError(t, err)
	require.Equal(t, "4", answer, "trailing CR LF is stripped")
}

func TestPlayer_ReadLineTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	p := session.New("alice", "", server)
	defer p.Close()

	start := time.Now()
	_, err := p.ReadLine(50 * time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "the deadline must bound the read")
}

func TestPlayer_Score(t *testing.T) {
	_, server := net.Pipe()

	p := session.New("alice", "", server)
	defer p.Close()

	require.Equal(t, 0, p.Score())
	p.AddScore(10)
	p.AddScore(13)
	require.Equal(t, 23, p.Score())
}

func TestPlayer_FinishReleasesWaiter(t *testing.T) {
	_, server := net.Pipe()

	p := session.New("alice", "R1", server)
	defer p.Close()

	released := make(chan struct{})
	go func() {
		p.AwaitFinish()
		close(released)
	}()

	p.Finish()
	p.Finish() // second call is a no-op

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("AwaitFinish did not return after Finish")
	}
}

func TestPlayer_CloseMarksInactive(t *testing.T) {
	_, server := net.Pipe()

	p := session.New("alice", "", server)
	require.True(t, p.Active())

	p.Close()
	p.Close() // idempotent
	require.False(t, p.Active())
	require.Error(t, p.Send("anything"))
}
