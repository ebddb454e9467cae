// Package auth handles the LOGIN/REGISTER exchange against the users
// section of the document store. Passwords are stored as bcrypt hashes.
package auth

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/quizgrid/quizgrid/internal/protocol"
	"github.com/quizgrid/quizgrid/internal/storage"
)

const minPasswordLength = 4

var (
	ErrEmptyMessage    = errors.New("Message vide")
	ErrUnknownCommand  = errors.New("Commande inconnue")
	ErrBadLoginFormat  = errors.New("Format login invalide")
	ErrBadUsername     = errors.New("Username invalide")
	ErrUnknownUser     = errors.New("Utilisateur inconnu")
	ErrWrongPassword   = errors.New("Mot de passe incorrect")
	ErrPasswordTooWeak = errors.New("Mot de passe trop court")
	ErrUserExists      = errors.New("Utilisateur deja existant")
)

var reUsername = regexp.MustCompile(`^[A-Za-z0-9_\-]{3,20}$`)

type Service struct {
	mu    sync.Mutex
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Authenticate processes one auth line (LOGIN:<user>;PASS:<pw> or
// REGISTER:<user>;PASS:<pw>) and returns the authenticated username.
func (s *Service) Authenticate(message string) (string, error) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return "", ErrEmptyMessage
	}

	switch {
	case strings.HasPrefix(msg, protocol.PrefixLogin):
		return s.login(msg[len(protocol.PrefixLogin):])
	case strings.HasPrefix(msg, "REGISTER:"):
		return s.register(msg[len("REGISTER:"):])
	default:
		return "", ErrUnknownCommand
	}
}

func (s *Service) login(payload string) (string, error) {
	username, password, ok := parseCredentials(payload)
	if !ok {
		return "", ErrBadLoginFormat
	}
	if !reUsername.MatchString(username) {
		return "", ErrBadUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.loadUsers()
	hash, exists := users[username]
	if !exists {
		return "", ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", ErrWrongPassword
	}
	return username, nil
}

func (s *Service) register(payload string) (string, error) {
	username, password, ok := parseCredentials(payload)
	if !ok {
		return "", ErrBadLoginFormat
	}
	if !reUsername.MatchString(username) {
		return "", ErrBadUsername
	}
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooWeak
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.loadUsers()
	if _, exists := users[username]; exists {
		return "", ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	users[username] = string(hash)

	if err := s.saveUsers(users); err != nil {
		return "", err
	}
	return username, nil
}

func (s *Service) loadUsers() map[string]string {
	users := make(map[string]string)
	for _, u := range s.store.GetList(storage.SectionUsers) {
		name := storage.ToString(u["username"], "")
		hash := storage.ToString(u["hash"], "")
		if name != "" && hash != "" {
			users[name] = hash
		}
	}
	return users
}

func (s *Service) saveUsers(users map[string]string) error {
	list := make([]map[string]any, 0, len(users))
	for name, hash := range users {
		list = append(list, map[string]any{"username": name, "hash": hash})
	}
	return s.store.Put(storage.SectionUsers, list)
}

func parseCredentials(payload string) (username, password string, ok bool) {
	parts := strings.Split(payload, ";")
	if len(parts) < 2 {
		return "", "", false
	}

	username = strings.TrimSpace(parts[0])
	for _, p := range parts {
		if strings.HasPrefix(p, protocol.PrefixPass) {
			password = strings.TrimPrefix(p, protocol.PrefixPass)
			break
		}
	}
	if username == "" || password == "" {
		return "", "", false
	}
	return username, password, true
}
