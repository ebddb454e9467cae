// Package protocol implements the newline-delimited text protocol spoken
// between clients, workers and the coordinator. It centralises message
// parsing, field validation and the client-visible error reasons.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Message prefixes and framing markers.
const (
	PrefixRegister  = "REGISTER:"
	PrefixHeartbeat = "HEARTBEAT:"
	PrefixScore     = "SCORE:"
	PrefixPlay      = "PLAY:"
	PrefixTheme     = "THEME:"
	PrefixHistory   = "HISTORY:"
	PrefixLogin     = "LOGIN:"
	PrefixPass      = "PASS:"
	PrefixRoom      = "ROOM:"
	PrefixMode      = "MODE:"

	CmdLeaderboard = "LEADERBOARD"
	CmdThemes      = "THEMES"
	CmdQuit        = "QUIT"
	CmdGetScores   = "GET_SCORES"
	CmdGetHistory  = "GET_HISTORY"

	AskMode = "MODE?"
	AskAuth = "AUTH?"
	AskRoom = "ROOM?"

	RespRegistered = "OK:REGISTERED"
	RespAlive      = "OK:ALIVE"
	RespScoreSaved = "OK:SCORE_SAVED"
	RespAuthOK     = "OK:AUTH"
	RespBye        = "BYE"
	RespWaiting    = "EN_ATTENTE"
	RespSoloReady  = "SOLO_PRET"

	MarkHistoryBegin     = "HISTORY_BEGIN"
	MarkHistoryEnd       = "HISTORY_END"
	MarkLeaderboardBegin = "LEADERBOARD_BEGIN"
	MarkLeaderboardEnd   = "LEADERBOARD_END"
	MarkThemesBegin      = "THEMES_BEGIN"
	MarkThemesEnd        = "THEMES_END"
	MarkScoresEnd        = "END_SCORES"
)

// Client-visible error reasons (ERREUR:<reason>).
const (
	ReasonAuth           = "Auth"
	ReasonEmptyMessage   = "Message vide"
	ReasonMissingRequest = "Requête manquante"
	ReasonBadRegister    = "Format register"
	ReasonBadScore       = "Format score"
	ReasonBadFields      = "Données invalides"
	ReasonBadParams      = "Paramètres invalides"
	ReasonBadID          = "Id invalide"
	ReasonBadTheme       = "Thème invalide"
	ReasonBadUser        = "Utilisateur invalide"
	ReasonUnknownCommand = "Commande inconnue"
)

// Error is a protocol-level failure carrying the reason sent back to the
// peer as ERREUR:<reason>.
type Error struct {
	Reason string
	cause  error
}

func NewError(reason string) *Error {
	return &Error{Reason: reason}
}

func NewErrorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying error for logging; the wire response
// stays unchanged.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.cause)
	}
	return "protocol: " + e.Reason
}

func (e *Error) Unwrap() error { return e.cause }

// Response renders the wire form of the error.
func (e *Error) Response() string { return "ERREUR:" + e.Reason }

// NoServerError builds the routing failure for a theme with no eligible
// worker.
func NoServerError(theme string) *Error {
	return NewErrorf("Aucun serveur disponible pour %s", theme)
}

// Validation

var (
	reTheme = regexp.MustCompile(`^[\p{L}0-9 _\-]+$`)
	reName  = regexp.MustCompile(`^[\p{L}0-9 _\-]+$`)
	reID    = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

func ValidTheme(theme string) bool {
	t := strings.TrimSpace(theme)
	return len(t) >= 1 && len(t) <= 50 && reTheme.MatchString(t)
}

func ValidName(name string) bool {
	n := strings.TrimSpace(name)
	return len(n) >= 1 && len(n) <= 40 && reName.MatchString(n)
}

func ValidID(id string) bool {
	v := strings.TrimSpace(id)
	return len(v) >= 1 && len(v) <= 20 && reID.MatchString(v)
}

func ValidHost(host string) bool {
	h := strings.TrimSpace(host)
	return len(h) >= 1 && len(h) <= 100
}

func ValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// Coordination messages (worker to coordinator).

// Register is a parsed REGISTER message.
type Register struct {
	ID        string
	Host      string
	Port      int
	Theme     string
	PartStart int
	PartEnd   int
}

// ParseRegister parses REGISTER:[token=<t>;]id;host;port;theme;start;end.
// When secret is non-empty the token field is mandatory and must match.
func ParseRegister(line, secret string) (*Register, error) {
	parts, err := splitAuthenticated(strings.TrimPrefix(line, PrefixRegister), secret)
	if err != nil {
		return nil, err
	}
	if len(parts) < 6 {
		return nil, NewError(ReasonBadRegister)
	}

	port, err1 := strconv.Atoi(parts[2])
	partStart, err2 := strconv.Atoi(parts[4])
	partEnd, err3 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, NewError(ReasonBadRegister)
	}

	r := &Register{
		ID:        parts[0],
		Host:      parts[1],
		Port:      port,
		Theme:     parts[3],
		PartStart: partStart,
		PartEnd:   partEnd,
	}

	if !ValidID(r.ID) || !ValidHost(r.Host) || !ValidTheme(r.Theme) {
		return nil, NewError(ReasonBadFields)
	}
	if !ValidPort(r.Port) || r.PartStart < 0 || r.PartEnd < r.PartStart {
		return nil, NewError(ReasonBadParams)
	}

	return r, nil
}

// ParseHeartbeat parses HEARTBEAT:[token=<t>;]id and returns the worker id.
func ParseHeartbeat(line, secret string) (string, error) {
	parts, err := splitAuthenticated(strings.TrimPrefix(line, PrefixHeartbeat), secret)
	if err != nil {
		return "", err
	}
	if len(parts) < 1 || !ValidID(parts[0]) {
		return "", NewError(ReasonBadID)
	}
	return strings.TrimSpace(parts[0]), nil
}

// ScoreReport is a parsed SCORE message.
type ScoreReport struct {
	Username string
	Points   int
	WorkerID string
}

// ParseScoreReport parses SCORE:[token=<t>;]name;points;workerID.
func ParseScoreReport(line, secret string) (*ScoreReport, error) {
	parts, err := splitAuthenticated(strings.TrimPrefix(line, PrefixScore), secret)
	if err != nil {
		return nil, err
	}
	if len(parts) < 3 {
		return nil, NewError(ReasonBadScore)
	}

	points, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return nil, NewError(ReasonBadScore)
	}

	s := &ScoreReport{
		Username: parts[0],
		Points:   points,
		WorkerID: parts[2],
	}
	if !ValidName(s.Username) || !ValidID(s.WorkerID) {
		return nil, NewError(ReasonBadFields)
	}
	return s, nil
}

// splitAuthenticated splits a semicolon-separated payload, consuming and
// verifying a leading token=<secret> field when a shared secret is set.
func splitAuthenticated(payload, secret string) ([]string, error) {
	parts := strings.Split(payload, ";")
	if len(parts) >= 1 && strings.HasPrefix(parts[0], "token=") {
		if secret == "" || strings.TrimPrefix(parts[0], "token=") != secret {
			return nil, NewError(ReasonAuth)
		}
		return parts[1:], nil
	}
	if secret != "" {
		return nil, NewError(ReasonAuth)
	}
	return parts, nil
}

// Worker-side message builders.

func FormatRegister(secret string, r Register) string {
	if secret != "" {
		return fmt.Sprintf("%stoken=%s;%s;%s;%d;%s;%d;%d",
			PrefixRegister, secret, r.ID, r.Host, r.Port, r.Theme, r.PartStart, r.PartEnd)
	}
	return fmt.Sprintf("%s%s;%s;%d;%s;%d;%d",
		PrefixRegister, r.ID, r.Host, r.Port, r.Theme, r.PartStart, r.PartEnd)
}

func FormatHeartbeat(secret, workerID string) string {
	if secret != "" {
		return PrefixHeartbeat + "token=" + secret + ";" + workerID
	}
	return PrefixHeartbeat + workerID
}

func FormatScoreReport(secret string, s ScoreReport) string {
	if secret != "" {
		return fmt.Sprintf("%stoken=%s;%s;%d;%s", PrefixScore, secret, s.Username, s.Points, s.WorkerID)
	}
	return fmt.Sprintf("%s%s;%d;%s", PrefixScore, s.Username, s.Points, s.WorkerID)
}

// Client message extraction.

// ExtractTheme pulls the theme out of a client request. Accepts a bare
// theme name, PLAY:<theme> or THEME:<theme>, with an optional ;TOKEN:
// suffix.
func ExtractTheme(line string) string {
	payload := strings.TrimSpace(line)
	if strings.HasPrefix(payload, PrefixPlay) {
		payload = payload[len(PrefixPlay):]
	} else if strings.HasPrefix(payload, PrefixTheme) {
		payload = payload[len(PrefixTheme):]
	}
	return strings.TrimSpace(stripClientToken(payload))
}

// ExtractHistoryUser pulls the username out of HISTORY:<user>[;TOKEN:<t>].
func ExtractHistoryUser(line string) string {
	if !strings.HasPrefix(line, PrefixHistory) {
		return ""
	}
	return strings.TrimSpace(stripClientToken(line[len(PrefixHistory):]))
}

// ExtractClientToken returns the ;TOKEN:<value> suffix of a client
// request, or "" when absent.
func ExtractClientToken(line string) string {
	idx := strings.Index(line, ";TOKEN:")
	if idx == -1 {
		return ""
	}
	return strings.TrimSpace(line[idx+len(";TOKEN:"):])
}

// ExtractRoomCode parses ROOM:<code>; an empty code means the public
// matchmaking pool.
func ExtractRoomCode(msg string) string {
	m := strings.TrimSpace(msg)
	if strings.HasPrefix(m, PrefixRoom) {
		return strings.TrimSpace(m[len(PrefixRoom):])
	}
	return m
}

// ExtractMode parses MODE:<SOLO|MULTI>; anything other than SOLO maps to
// MULTI.
func ExtractMode(msg string) string {
	v := strings.TrimSpace(msg)
	if strings.HasPrefix(v, PrefixMode) {
		v = strings.TrimSpace(v[len(PrefixMode):])
	}
	if strings.EqualFold(v, "SOLO") {
		return "SOLO"
	}
	return "MULTI"
}

// ExtractRequestUser pulls USER=<name> out of a GET_HISTORY request.
func ExtractRequestUser(msg string) string {
	for _, p := range strings.Split(msg, ";") {
		if strings.HasPrefix(p, "USER=") {
			return strings.TrimPrefix(p, "USER=")
		}
	}
	return ""
}

// VerifyServerToken checks the ;token=<secret> field of a
// coordinator → worker request. Always true when no secret is configured.
func VerifyServerToken(msg, secret string) bool {
	if secret == "" {
		return true
	}
	for _, p := range strings.Split(msg, ";") {
		if strings.HasPrefix(p, "token=") {
			return p == "token="+secret
		}
	}
	return false
}

func stripClientToken(payload string) string {
	idx := strings.Index(payload, ";TOKEN:")
	if idx == -1 {
		return payload
	}
	return payload[:idx]
}
