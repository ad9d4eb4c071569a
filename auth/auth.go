package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidCreds = errors.New("invalid credentials")
	ErrUserExists   = errors.New("username already exists")
	ErrLastUser     = errors.New("cannot delete the last user")
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongRole    = errors.New("token has the wrong role")
)

// Token roles. Admin tokens come from Login; session tokens are handed out by
// the upload endpoint and only open the session they were issued for.
const (
	RoleAdmin   = "admin"
	RoleSession = "session"
)

// AdminTokenTTL is the lifetime of tokens issued by Login.
const AdminTokenTTL = 365 * 24 * time.Hour

type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
}

type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	Session  string `json:"session,omitempty"`
	jwt.RegisteredClaims
}

type AuthService struct {
	db        *sql.DB
	jwtSecret []byte
	now       func() time.Time
}

func NewAuthService(db *sql.DB, secret string) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	s := &AuthService{
		db:        db,
		jwtSecret: []byte(secret),
		now:       time.Now,
	}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuthService) createTable() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

// CreateDefaultUser creates an admin user with a random password if no users
// exist. The generated password is returned so it can be shown once; it is
// empty when users already existed.
func (s *AuthService) CreateDefaultUser() (string, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	password := hex.EncodeToString(buf)
	if err := s.Register("admin", password); err != nil {
		return "", err
	}
	return password, nil
}

func (s *AuthService) Register(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCreds
	}
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM users WHERE username = ?", username).Scan(&exists)
	if err == nil {
		return ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, string(hash), s.now().Unix())
	return err
}

func (s *AuthService) Login(username, password string) (string, error) {
	var user User
	err := s.db.QueryRow("SELECT id, username, password_hash FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &user.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCreds
	} else if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCreds
	}

	return s.sign(&Claims{
		Username: username,
		Role:     RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(s.now().Add(AdminTokenTTL)),
		},
	})
}

// IssueSessionToken signs a token that grants access to a single session.
func (s *AuthService) IssueSessionToken(sessionID string, ttl time.Duration) (string, error) {
	if sessionID == "" {
		return "", errors.New("auth: empty session id")
	}
	now := s.now()
	return s.sign(&Claims{
		Role:    RoleSession,
		Session: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

func (s *AuthService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SessionFromToken returns the session ID carried by a session token.
func (s *AuthService) SessionFromToken(tokenString string) (string, error) {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Role != RoleSession || claims.Session == "" {
		return "", ErrWrongRole
	}
	return claims.Session, nil
}

func (s *AuthService) ListUsers() ([]User, error) {
	rows, err := s.db.Query("SELECT id, username, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *AuthService) DeleteUser(username string) error {
	// Keep at least one user so the admin pages stay reachable.
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return err
	}
	if count <= 1 {
		return ErrLastUser
	}

	res, err := s.db.Exec("DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
