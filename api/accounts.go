package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const tokenLifetime = 7 * 24 * time.Hour

// Accounts issues identities for local mode: signup and login over bcrypt
// password hashes, HS256 tokens signed with the same secret Auth verifies.
// Account records live in process memory; tasks, not accounts, are the
// durable state of this service.
type Accounts struct {
	secret []byte

	mu      sync.Mutex
	byEmail map[string]*account
	byName  map[string]*account
}

type account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

func NewAccounts(secret []byte) *Accounts {
	if len(secret) == 0 {
		panic("api.NewAccounts: empty secret")
	}
	return &Accounts{
		secret:  secret,
		byEmail: make(map[string]*account),
		byName:  make(map[string]*account),
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  userResponse `json:"user"`
	Token string       `json:"token"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

var errUserExists = errors.New("user already exists")
var errInvalidCredentials = errors.New("invalid credentials")

func (a *Accounts) signup(username, email, password string) (*account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byEmail[email]; ok {
		return nil, errUserExists
	}
	if _, ok := a.byName[username]; ok {
		return nil, errUserExists
	}
	acc := &account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	a.byEmail[email] = acc
	a.byName[username] = acc
	return acc, nil
}

func (a *Accounts) login(email, password string) (*account, error) {
	a.mu.Lock()
	acc := a.byEmail[email]
	a.mu.Unlock()
	if acc == nil {
		// Run the hash comparison anyway so missing and wrong-password
		// logins take comparable time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}
	return acc, nil
}

func (a *Accounts) issueToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Accounts) signupHandler(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "username, email and password are required"})
	}
	acc, err := a.signup(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, errUserExists) {
			return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		}
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "signup failed"})
	}
	token, err := a.issueToken(acc.ID)
	if err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "signup failed"})
	}
	return c.JSON(http.StatusCreated, authResponse{User: accountResponse(acc), Token: token})
}

func (a *Accounts) loginHandler(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	acc, err := a.login(strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: errInvalidCredentials.Error()})
	}
	token, err := a.issueToken(acc.ID)
	if err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "login failed"})
	}
	return c.JSON(http.StatusOK, authResponse{User: accountResponse(acc), Token: token})
}

func accountResponse(acc *account) userResponse {
	return userResponse{ID: acc.ID, Username: acc.Username, Email: acc.Email, CreatedAt: acc.CreatedAt}
}
