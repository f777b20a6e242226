package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sharding-system/pkg/security"
	"go.uber.org/zap"
)

// UserStore abstracts the user backing store the auth handler authenticates
// against.
type UserStore interface {
	GetUser(username string) (*security.User, error)
	Authenticate(username, password string) (*security.User, error)
	AddUser(user *security.User) error
	GetAdminCount() (int, error)
	IsSetupRequired() (bool, error)
}

// AuthHandler issues the JWTs that guard the catalog, query and recovery
// endpoints; middleware.AuthMiddleware validates them.
type AuthHandler struct {
	authManager *security.AuthManager
	userStore   UserStore
	logger      *zap.Logger
}

// NewAuthHandler creates an auth handler backed by an in-memory user store.
func NewAuthHandler(authManager *security.AuthManager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authManager: authManager,
		userStore:   security.NewUserStore(),
		logger:      logger,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token    string   `json:"token"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

func (h *AuthHandler) writeJSONError(w http.ResponseWriter, code int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    errorCode,
			"message": message,
		},
	})
}

// Login handles login requests.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Username is required")
		return
	}
	if len(req.Password) == 0 {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Password is required")
		return
	}

	startTime := time.Now()
	user, err := h.userStore.Authenticate(req.Username, req.Password)
	authDuration := time.Since(startTime)

	if err != nil {
		h.logger.Warn("authentication failed",
			zap.String("username", req.Username),
			zap.Error(err),
			zap.Duration("duration_ms", authDuration),
		)
		h.writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials")
		return
	}

	token, err := h.authManager.GenerateToken(user.Username, user.Roles)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		h.writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate token")
		return
	}

	h.logger.Info("successful login",
		zap.String("username", user.Username),
		zap.Strings("roles", user.Roles),
		zap.Duration("duration_ms", authDuration),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{
		Token:    token,
		Username: user.Username,
		Roles:    user.Roles,
	})
}

// SetupRequest represents an initial admin setup request
type SetupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SetupResponse represents a setup response
type SetupResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Setup handles initial admin setup, allowed only when no users exist.
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	setupRequired, err := h.userStore.IsSetupRequired()
	if err != nil {
		h.logger.Error("failed to check setup status", zap.Error(err))
		h.writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check setup status")
		return
	}
	if !setupRequired {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "System already initialized. Setup can only be performed when no users exist.")
		return
	}

	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Username is required")
		return
	}
	if len(req.Password) < 8 {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Password must be at least 8 characters")
		return
	}
	if err := security.ValidatePasswordStrength(req.Password); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	passwordHash, err := security.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		h.writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}

	adminUser := &security.User{
		Username:     req.Username,
		PasswordHash: passwordHash,
		Roles:        []string{"admin"},
		Active:       true,
	}
	if err := h.userStore.AddUser(adminUser); err != nil {
		h.logger.Error("failed to create admin user", zap.Error(err))
		h.writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	token, err := h.authManager.GenerateToken(adminUser.Username, adminUser.Roles)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		h.writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate token")
		return
	}

	h.logger.Info("system setup completed", zap.String("username", adminUser.Username))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(SetupResponse{
		Message:  "System setup completed successfully",
		Username: adminUser.Username,
		Token:    token,
	})
}

// SetupAuthRoutes registers the authentication routes.
func SetupAuthRoutes(router *mux.Router, handler *AuthHandler) {
	router.HandleFunc("/api/v1/auth/login", handler.Login).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/v1/auth/setup", handler.Setup).Methods("POST", "OPTIONS")
}
