package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quizgrid/quizgrid/internal/protocol"
)

func TestParseRegister(t *testing.T) {
	tests := map[string]struct {
		line    string
		secret  string
		arrange func() *protocol.Register
		reason  string
	}{
		"valid without token": {
			line: "REGISTER:w1;localhost;5001;Maths;0;49",
			arrange: func() *protocol.Register {
				return &protocol.Register{ID: "w1", Host: "localhost", Port: 5001, Theme: "Maths", PartStart: 0, PartEnd: 49}
			},
		},
		"valid with token": {
			line:   "REGISTER:token=s3cret;w1;localhost;5001;Maths;0;49",
			secret: "s3cret",
			arrange: func() *protocol.Register {
				return &protocol.Register{ID: "w1", Host: "localhost", Port: 5001, Theme: "Maths", PartStart: 0, PartEnd: 49}
			},
		},
		"missing token when secret configured": {
			line:   "REGISTER:w1;localhost;5001;Maths;0;49",
			secret: "s3cret",
			reason: protocol.ReasonAuth,
		},
		"wrong token": {
			line:   "REGISTER:token=nope;w1;localhost;5001;Maths;0;49",
			secret: "s3cret",
			reason: protocol.ReasonAuth,
		},
		"unexpected token when no secret configured": {
			line:   "REGISTER:token=nope;w1;localhost;5001;Maths;0;49",
			reason: protocol.ReasonAuth,
		},
		"too few fields": {
			line:   "REGISTER:w1;localhost;5001",
			reason: protocol.ReasonBadRegister,
		},
		"non-numeric port": {
			line:   "REGISTER:w1;localhost;abc;Maths;0;49",
			reason: protocol.ReasonBadRegister,
		},
		"port out of range": {
			line:   "REGISTER:w1;localhost;70000;Maths;0;49",
			reason: protocol.ReasonBadParams,
		},
		"inverted partition range": {
			line:   "REGISTER:w1;localhost;5001;Maths;49;0",
			reason: protocol.ReasonBadParams,
		},
		"bad id charset": {
			line:   "REGISTER:w 1;localhost;5001;Maths;0;49",
			reason: protocol.ReasonBadFields,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := protocol.ParseRegister(tt.line, tt.secret)
			if tt.reason != "" {
				var perr *protocol.Error
				require.ErrorAs(t, err, &perr)
				require.Equal(t, tt.reason, perr.Reason)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.arrange(), got)
		})
	}
}

func TestParseHeartbeat(t *testing.T) {
	id, err := protocol.ParseHeartbeat("HEARTBEAT:w1", "")
	require.NoError(t, err)
	require.Equal(t, "w1", id)

	id, err = protocol.ParseHeartbeat("HEARTBEAT:token=s;w1", "s")
	require.NoError(t, err)
	require.Equal(t, "w1", id)

	_, err = protocol.ParseHeartbeat("HEARTBEAT:w1", "s")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.ReasonAuth, perr.Reason)

	_, err = protocol.ParseHeartbeat("HEARTBEAT:bad id!", "")
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.ReasonBadID, perr.Reason)
}

func TestParseScoreReport(t *testing.T) {
	tests := map[string]struct {
		line   string
		secret string
		want   *protocol.ScoreReport
		reason string
	}{
		"valid": {
			line: "SCORE:alice;42;w1",
			want: &protocol.ScoreReport{Username: "alice", Points: 42, WorkerID: "w1"},
		},
		"valid with token": {
			line:   "SCORE:token=s;alice;42;w1",
			secret: "s",
			want:   &protocol.ScoreReport{Username: "alice", Points: 42, WorkerID: "w1"},
		},
		"non-numeric points": {
			line:   "SCORE:alice;beaucoup;w1",
			reason: protocol.ReasonBadScore,
		},
		"missing worker id": {
			line:   "SCORE:alice;42",
			reason: protocol.ReasonBadScore,
		},
		"invalid username": {
			line:   "SCORE:al/ce;42;w1",
			reason: protocol.ReasonBadFields,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := protocol.ParseScoreReport(tt.line, tt.secret)
			if tt.reason != "" {
				var perr *protocol.Error
				require.ErrorAs(t, err, &perr)
				require.Equal(t, tt.reason, perr.Reason)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	reg := protocol.Register{ID: "w1", Host: "10.0.0.1", Port: 5001, Theme: "Maths", PartStart: 0, PartEnd: 49}
	parsed, err := protocol.ParseRegister(protocol.FormatRegister("s3cret", reg), "s3cret")
	require.NoError(t, err)
	require.Equal(t, &reg, parsed)

	id, err := protocol.ParseHeartbeat(protocol.FormatHeartbeat("", "w1"), "")
	require.NoError(t, err)
	require.Equal(t, "w1", id)

	report := protocol.ScoreReport{Username: "alice", Points: 23, WorkerID: "w1"}
	back, err := protocol.ParseScoreReport(protocol.FormatScoreReport("s3cret", report), "s3cret")
	require.NoError(t, err)
	require.Equal(t, &report, back)
}

func TestExtractTheme(t *testing.T) {
	tests := map[string]struct {
		line string
		want string
	}{
		"bare theme":        {line: "Maths", want: "Maths"},
		"play prefix":       {line: "PLAY:Maths", want: "Maths"},
		"theme prefix":      {line: "THEME:Histoire", want: "Histoire"},
		"token suffix":      {line: "PLAY:Maths;TOKEN:abc", want: "Maths"},
		"surrounding space": {line: "  PLAY:Maths  ", want: "Maths"},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, protocol.ExtractTheme(tt.line))
		})
	}
}

func TestExtractClientToken(t *testing.T) {
	require.Equal(t, "abc", protocol.ExtractClientToken("LEADERBOARD;TOKEN:abc"))
	require.Equal(t, "", protocol.ExtractClientToken("LEADERBOARD"))
}

func TestExtractHistoryUser(t *testing.T) {
	require.Equal(t, "alice", protocol.ExtractHistoryUser("HISTORY:alice"))
	require.Equal(t, "alice", protocol.ExtractHistoryUser("HISTORY:alice;TOKEN:abc"))
	require.Equal(t, "", protocol.ExtractHistoryUser("LEADERBOARD"))
}

func TestExtractMode(t *testing.T) {
	require.Equal(t, "SOLO", protocol.ExtractMode("MODE:SOLO"))
	require.Equal(t, "SOLO", protocol.ExtractMode("solo"))
	require.Equal(t, "MULTI", protocol.ExtractMode("MODE:MULTI"))
	require.Equal(t, "MULTI", protocol.ExtractMode("anything else"))
}

func TestExtractRoomCode(t *testing.T) {
	require.Equal(t, "R42", protocol.ExtractRoomCode("ROOM:R42"))
	require.Equal(t, "", protocol.ExtractRoomCode("ROOM:"))
	require.Equal(t, "R42", protocol.ExtractRoomCode("R42"))
}

func TestExtractRequestUser(t *testing.T) {
	require.Equal(t, "alice", protocol.ExtractRequestUser("GET_HISTORY;USER=alice;token=s"))
	require.Equal(t, "", protocol.ExtractRequestUser("GET_HISTORY"))
}

func TestVerifyServerToken(t *testing.T) {
	require.True(t, protocol.VerifyServerToken("GET_SCORES", ""))
	require.True(t, protocol.VerifyServerToken("GET_SCORES;token=s", "s"))
	require.False(t, protocol.VerifyServerToken("GET_SCORES", "s"))
	require.False(t, protocol.VerifyServerToken("GET_SCORES;token=wrong", "s"))
}

func TestValidation(t *testing.T) {
	require.True(t, protocol.ValidTheme("Géographie"))
	require.True(t, protocol.ValidTheme("Maths 101"))
	require.False(t, protocol.ValidTheme(""))
	require.False(t, protocol.ValidTheme("a;b"))

	require.True(t, protocol.ValidName("Jean-Pierre"))
	require.False(t, protocol.ValidName("a/b"))

	require.True(t, protocol.ValidID("w-1"))
	require.False(t, protocol.ValidID("a b"))
	require.False(t, protocol.ValidID("123456789012345678901"))

	require.True(t, protocol.ValidPort(5001))
	require.False(t, protocol.ValidPort(0))
	require.False(t, protocol.ValidPort(70000))
}

func TestErrorResponse(t *testing.T) {
	require.Equal(t, "ERREUR:Auth", protocol.NewError(protocol.ReasonAuth).Response())
	require.Equal(t,
		"ERREUR:Aucun serveur disponible pour Maths",
		protocol.NoServerError("Maths").Response())
}
