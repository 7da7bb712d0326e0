package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eduvia/eduvia/internal/identity"
	"github.com/eduvia/eduvia/internal/log"
)

// AuthHandler handles registration, login, one-time-code and device
// session endpoints.
type AuthHandler struct {
	identity *identity.Service
	tokens   TokenVerifier
	logger   log.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(svc *identity.Service, tokens TokenVerifier, logger log.Logger) *AuthHandler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &AuthHandler{identity: svc, tokens: tokens, logger: logger}
}

// RegisterRoutes registers auth routes on the given mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.register)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("POST /auth/logout", requireAuth(h.tokens, h.logout))
	mux.HandleFunc("POST /auth/otp/request", h.otpRequest)
	mux.HandleFunc("POST /auth/otp/verify", h.otpVerify)
	mux.HandleFunc("GET /auth/sessions", requireAuth(h.tokens, h.sessions))
	mux.HandleFunc("GET /me", requireAuth(h.tokens, h.me))
}

// deviceFields identify the calling device; clients that send none get a
// shared browser session per user.
type deviceFields struct {
	Fingerprint string `json:"fingerprint"`
	Platform    string `json:"platform"`
}

func (d deviceFields) device() identity.Device {
	return identity.Device{Fingerprint: d.Fingerprint, Platform: d.Platform}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	deviceFields
	Profile struct {
		Type         string `json:"type"`
		Level        string `json:"level"`
		Department   string `json:"department"`
		School       string `json:"school"`
		Industry     string `json:"industry"`
		Role         string `json:"role"`
		Organization string `json:"organization"`
	} `json:"profile"`
}

// authResponse carries the account plus a fresh access token.
type authResponse struct {
	User    *identity.User    `json:"user"`
	Profile *identity.Profile `json:"profile"`
	Token   string            `json:"token"`
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "email, password and name are required")
		return
	}

	account, token, err := h.identity.Register(r.Context(), identity.RegisterParams{
		Email:        req.Email,
		Name:         req.Name,
		Password:     req.Password,
		Type:         req.Profile.Type,
		Level:        req.Profile.Level,
		Department:   req.Profile.Department,
		School:       req.Profile.School,
		Industry:     req.Profile.Industry,
		Role:         req.Profile.Role,
		Organization: req.Profile.Organization,
		Device:       req.device(),
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrEmailTaken):
			writeError(w, http.StatusBadRequest, "email already registered")
		case errors.Is(err, identity.ErrInvalidProfileType):
			writeError(w, http.StatusBadRequest, "profile type must be student or worker")
		default:
			h.logger.Error("registration failed", "error", err)
			writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	writeData(w, http.StatusCreated, "registered", authResponse{
		User:    account.User,
		Profile: account.Profile,
		Token:   token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	deviceFields
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, token, err := h.identity.Login(r.Context(), req.Email, req.Password, req.device())
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeData(w, http.StatusOK, "", authResponse{
		User:    account.User,
		Profile: account.Profile,
		Token:   token,
	})
}

type otpRequestRequest struct {
	Email string `json:"email"`
}

func (h *AuthHandler) otpRequest(w http.ResponseWriter, r *http.Request) {
	var req otpRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if _, err := h.identity.RequestOTP(r.Context(), req.Email); err != nil {
		// An unknown email gets the same answer as a known one so the
		// endpoint cannot be used to probe for accounts.
		if errors.Is(err, identity.ErrUserNotFound) {
			writeData(w, http.StatusOK, "code sent", nil)
			return
		}
		h.logger.Error("otp request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue code")
		return
	}

	// Delivery goes through an external channel; the plaintext code never
	// appears in the response or the logs.
	h.logger.Debug("otp generated", "email", req.Email)
	writeData(w, http.StatusOK, "code sent", nil)
}

type otpVerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	deviceFields
}

func (h *AuthHandler) otpVerify(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, token, err := h.identity.VerifyOTP(r.Context(), req.Email, req.Code, req.device())
	if err != nil {
		if errors.Is(err, identity.ErrInvalidOTP) || errors.Is(err, identity.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid or expired code")
			return
		}
		h.logger.Error("otp verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	writeData(w, http.StatusOK, "", authResponse{
		User:    account.User,
		Profile: account.Profile,
		Token:   token,
	})
}

// logout revokes the device session behind the presented token; tokens
// bound to it stop verifying immediately.
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessionID, _ := SessionID(r.Context())
	if err := h.identity.Logout(r.Context(), userID, sessionID); err != nil {
		h.logger.Error("logout failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeData(w, http.StatusOK, "logged out", nil)
}

func (h *AuthHandler) sessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessions, err := h.identity.Sessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*identity.DeviceSession{}
	}
	writeData(w, http.StatusOK, "", sessions)
}

func (h *AuthHandler) me(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	account, err := h.identity.Account(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load account", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeData(w, http.StatusOK, "", account)
}
