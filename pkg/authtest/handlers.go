package authtest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

// User is the user representation the server returns.
type User = tokenstore.User

const minPasswordLength = 8

// tokenResponse is the sign-in payload.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
	User         *User  `json:"user"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	UserAgent    string    `json:"userAgent,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsCurrent    bool      `json:"isCurrent"`
}

// AddUser creates a verified account.
func (s *Server) AddUser(email, password string) User {
	hash, err := cryptox.HashPassword(password)
	if err != nil {
		panic("authtest: " + err.Error())
	}

	now := s.clock.Now()
	acct := &account{
		user: User{
			ID:            uuid.NewString(),
			Email:         strings.ToLower(email),
			EmailVerified: true,
			Roles:         []string{"user"},
			CreatedAt:     &now,
		},
		passwordHash: hash,
	}

	s.mu.Lock()
	s.users[acct.user.ID] = acct
	s.mu.Unlock()

	return acct.user
}

// EnableMFA turns TOTP on for userID and returns the secret, so tests can
// generate codes with totp.GenerateCode.
func (s *Server) EnableMFA(userID string) string {
	key, err := s.newTOTPKey(userID)
	if err != nil {
		panic("authtest: " + err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.users[userID]
	acct.mfaSecret = key.Secret()
	acct.mfaEnabled = true
	acct.user.MFAEnabled = true
	return key.Secret()
}

func (s *Server) newTOTPKey(account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

func (s *Server) validTOTP(code, secret string) bool {
	ok, _ := totp.ValidateCustom(code, secret, s.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return ok
}

// ============================================================================
// Sign-in
// ============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := slogx.FromContext(r.Context())

	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	acct := s.findAccount(req.Email, req.Username)
	s.mu.Unlock()

	if acct == nil || cryptox.VerifyPassword(req.Password, acct.passwordHash) != nil {
		log.Info("login failed", "email", req.Email)
		httpx.WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
		return
	}

	if acct.mfaEnabled {
		mfaToken := cryptox.MustRandomToken(cryptox.TokenSize256)
		s.mu.Lock()
		s.mfaPending[mfaToken] = acct.user.ID
		s.mu.Unlock()

		if s.mfaAsError {
			httpx.WriteError(w, http.StatusForbidden, "MFA_REQUIRED", "multi-factor authentication required",
				map[string]any{"mfaToken": mfaToken})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"requiresMFA": true,
			"mfaToken":    mfaToken,
		})
		return
	}

	s.issue(w, r, acct.user.ID, []string{"pwd"}, http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
		Name     string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	fields := map[string]any{}
	if !strings.Contains(req.Email, "@") {
		fields["email"] = []string{"must be a valid email address"}
	}
	if len(req.Password) < minPasswordLength {
		fields["password"] = []string{"must be at least 8 characters"}
	}
	if len(fields) > 0 {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid registration",
			map[string]any{"fields": fields})
		return
	}

	s.mu.Lock()
	if s.findAccount(req.Email, "") != nil {
		s.mu.Unlock()
		httpx.WriteError(w, http.StatusConflict, "ALREADY_EXISTS", "email already registered",
			map[string]any{"field": "email"})
		return
	}
	if req.Username != "" && s.findAccount("", req.Username) != nil {
		s.mu.Unlock()
		httpx.WriteError(w, http.StatusConflict, "ALREADY_EXISTS", "username taken",
			map[string]any{"field": "username"})
		return
	}
	s.mu.Unlock()

	u := s.AddUser(req.Email, req.Password)

	s.mu.Lock()
	acct := s.users[u.ID]
	acct.user.Username = req.Username
	acct.user.Name = req.Name
	acct.user.EmailVerified = !s.verifyEmailFirst
	if s.verifyEmailFirst {
		s.verifies[cryptox.MustRandomToken(cryptox.TokenSize128)] = u.ID
	}
	user := acct.user
	s.mu.Unlock()

	if s.verifyEmailFirst {
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"user": user})
		return
	}
	s.issue(w, r, u.ID, []string{"pwd"}, http.StatusCreated)
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MFAToken string `json:"mfaToken"`
		Code     string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	userID, ok := s.mfaPending[req.MFAToken]
	var acct *account
	if ok {
		acct = s.users[userID]
	}
	s.mu.Unlock()

	if acct == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "unknown or expired mfa token", nil)
		return
	}
	if !s.consumeSecondFactor(acct, req.Code) {
		httpx.WriteError(w, http.StatusUnauthorized, "MFA_INVALID", "invalid verification code", nil)
		return
	}

	s.mu.Lock()
	delete(s.mfaPending, req.MFAToken)
	s.mu.Unlock()

	s.issue(w, r, userID, []string{"pwd", "mfa"}, http.StatusOK)
}

// consumeSecondFactor accepts a TOTP code (once) or an unused backup code.
func (s *Server) consumeSecondFactor(acct *account, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.backupCodes[code] {
		delete(acct.backupCodes, code)
		return true
	}
	if code == acct.lastTOTP || !s.validTOTP(code, acct.mfaSecret) {
		return false
	}
	acct.lastTOTP = code
	return true
}

func (s *Server) handleSendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	if s.findAccount(req.Email, "") != nil {
		s.magicLinks[cryptox.MustRandomToken(cryptox.TokenSize256)] = strings.ToLower(req.Email)
	}
	s.mu.Unlock()

	// Unknown addresses get the same answer.
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	email, ok := s.magicLinks[req.Token]
	delete(s.magicLinks, req.Token)
	acct := s.findAccount(email, "")
	s.mu.Unlock()

	if !ok || acct == nil {
		httpx.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or used magic link", nil)
		return
	}
	s.issue(w, r, acct.user.ID, []string{"email"}, http.StatusOK)
}

// handleOAuthAuthorize stands in for both the API redirect and the provider:
// it immediately redirects back with a code bound to the PKCE challenge.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "redirect_uri and an S256 code_challenge are required", nil)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid redirect_uri", nil)
		return
	}

	provider := mux.Vars(r)["provider"]
	code := cryptox.MustRandomToken(cryptox.TokenSize256)

	s.mu.Lock()
	s.oauthCodes[code] = oauthCode{
		provider:    provider,
		challenge:   q.Get("code_challenge"),
		redirectURI: redirectURI,
		email:       provider + "-user@example.com",
	}
	s.mu.Unlock()

	back := target.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		CodeVerifier string `json:"codeVerifier"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	provider := mux.Vars(r)["provider"]

	s.mu.Lock()
	grant, ok := s.oauthCodes[req.Code]
	delete(s.oauthCodes, req.Code)
	s.mu.Unlock()

	if !ok || grant.provider != provider || pkceChallenge(req.CodeVerifier) != grant.challenge {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_GRANT", "invalid authorization code or verifier", nil)
		return
	}

	s.mu.Lock()
	acct := s.findAccount(grant.email, "")
	s.mu.Unlock()
	if acct == nil {
		u := s.AddUser(grant.email, cryptox.MustRandomToken(cryptox.TokenSize256))
		s.mu.Lock()
		acct = s.users[u.ID]
		s.mu.Unlock()
	}

	s.issue(w, r, acct.user.ID, []string{"oauth"}, http.StatusOK)
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ============================================================================
// Session lifecycle
// ============================================================================

// issue starts a session for userID and writes the token payload.
func (s *Server) issue(w http.ResponseWriter, r *http.Request, userID string, amr []string, status int) {
	now := s.clock.Now()

	s.mu.Lock()
	sess := &session{
		id:           uuid.NewString(),
		userID:       userID,
		userAgent:    r.UserAgent(),
		ip:           httpx.IPKeyExtractor(r),
		createdAt:    now,
		lastActiveAt: now,
		expiresAt:    now.Add(s.refreshTTL),
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.writeTokens(w, r, sess, amr, status)
}

func (s *Server) writeTokens(w http.ResponseWriter, r *http.Request, sess *session, amr []string, status int) {
	now := s.clock.Now()

	s.mu.Lock()
	acct := s.users[sess.userID]
	user := acct.user
	s.mu.Unlock()

	claims := jwtx.NewAccessClaims(user.ID, sess.id, amr, s.accessTTL, issuer, now)
	claims.Email = user.Email
	claims.Username = user.Username
	claims.Roles = user.Roles

	access, err := s.signer.Sign(claims)
	if err != nil {
		slogx.FromContext(r.Context()).Error("failed to sign token", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to issue token", nil)
		return
	}
	refresh := cryptox.MustRandomToken(cryptox.TokenSize256)

	s.mu.Lock()
	s.issuedJTI[user.ID] = append(s.issuedJTI[user.ID], claims.ID)
	s.refresh[refresh] = &refreshRecord{sessionID: sess.id, expiresAt: sess.expiresAt}
	s.mu.Unlock()

	httpx.WriteJSON(w, status, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL.Seconds()),
		TokenType:    "Bearer",
		User:         &user,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	gates := append([]chan struct{}(nil), s.refreshGates...)
	s.mu.Unlock()
	for _, gate := range gates {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	now := s.clock.Now()

	s.mu.Lock()
	rec, ok := s.refresh[req.RefreshToken]
	var sess *session
	if ok {
		sess = s.sessions[rec.sessionID]
	}
	valid := ok && !rec.used && now.Before(rec.expiresAt) && sess != nil && !sess.revoked
	if ok && rec.used && sess != nil {
		// Reuse of a rotated token ends the whole session.
		sess.revoked = true
	}
	if valid {
		rec.used = true
		sess.lastActiveAt = now
	}
	s.mu.Unlock()

	if !valid {
		slogx.FromContext(r.Context()).Info("refresh rejected")
		httpx.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "refresh token is invalid or revoked", nil)
		return
	}

	s.writeTokens(w, r, sess, []string{"refresh"}, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sid := httpx.SessionIDFromContext(r.Context())

	s.mu.Lock()
	if sess, ok := s.sessions[sid]; ok {
		sess.revoked = true
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	s.RevokeSessions(httpx.UserIDFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// isRevoked backs AuthnMiddleware.
func (s *Server) isRevoked(_ string, claims *jwtx.Claims) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revokedJTI[claims.ID] {
		return true
	}
	sess, ok := s.sessions[claims.SID]
	return !ok || sess.revoked
}

// ============================================================================
// User
// ============================================================================

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acct := s.users[httpx.UserIDFromContext(r.Context())]
	var user User
	if acct != nil {
		user = acct.user
	}
	s.mu.Unlock()

	if acct == nil {
		httpx.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "user not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      *string        `json:"name"`
		Username  *string        `json:"username"`
		AvatarURL *string        `json:"avatarUrl"`
		Metadata  map[string]any `json:"metadata"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	userID := httpx.UserIDFromContext(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.users[userID]
	if acct == nil {
		httpx.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "user not found", nil)
		return
	}
	if req.Username != nil {
		if other := s.findAccount("", *req.Username); other != nil && other != acct {
			httpx.WriteError(w, http.StatusConflict, "ALREADY_EXISTS", "username taken",
				map[string]any{"field": "username"})
			return
		}
		acct.user.Username = *req.Username
	}
	if req.Name != nil {
		acct.user.Name = *req.Name
	}
	if req.AvatarURL != nil {
		acct.user.AvatarURL = *req.AvatarURL
	}
	if req.Metadata != nil {
		acct.user.Metadata = req.Metadata
	}

	httpx.WriteJSON(w, http.StatusOK, acct.user)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFromContext(r.Context())
	current := httpx.SessionIDFromContext(r.Context())

	s.mu.Lock()
	out := []sessionResponse{}
	for _, sess := range s.sessions {
		if sess.userID != userID || sess.revoked {
			continue
		}
		out = append(out, sessionResponse{
			ID:           sess.id,
			UserAgent:    sess.userAgent,
			IPAddress:    sess.ip,
			CreatedAt:    sess.createdAt,
			LastActiveAt: sess.lastActiveAt,
			ExpiresAt:    sess.expiresAt,
			IsCurrent:    sess.id == current,
		})
	}
	s.mu.Unlock()

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFromContext(r.Context())
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && sess.userID == userID && !sess.revoked {
		sess.revoked = true
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Passwords
// ============================================================================

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	acct := s.users[httpx.UserIDFromContext(r.Context())]
	s.mu.Unlock()

	if acct == nil || cryptox.VerifyPassword(req.CurrentPassword, acct.passwordHash) != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "current password is wrong", nil)
		return
	}
	if !s.setPassword(w, acct, req.NewPassword) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	if acct := s.findAccount(req.Email, ""); acct != nil {
		s.resets[cryptox.MustRandomToken(cryptox.TokenSize256)] = acct.user.ID
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	userID, ok := s.resets[req.Token]
	acct := s.users[userID]
	s.mu.Unlock()

	if !ok || acct == nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_TOKEN", "invalid or used reset token", nil)
		return
	}
	if !s.setPassword(w, acct, req.NewPassword) {
		return
	}

	s.mu.Lock()
	delete(s.resets, req.Token)
	s.mu.Unlock()
	s.RevokeSessions(userID)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPassword(w http.ResponseWriter, acct *account, password string) bool {
	if len(password) < minPasswordLength {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "password too short",
			map[string]any{"fields": map[string]any{"newPassword": "must be at least 8 characters"}})
		return false
	}
	hash, err := cryptox.HashPassword(password)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to hash password", nil)
		return false
	}

	s.mu.Lock()
	acct.passwordHash = hash
	s.mu.Unlock()
	return true
}

// ============================================================================
// MFA enrollment
// ============================================================================

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	userID := httpx.UserIDFromContext(r.Context())

	s.mu.Lock()
	acct := s.users[userID]
	enabled := acct != nil && acct.mfaEnabled
	s.mu.Unlock()

	if acct == nil {
		httpx.WriteError(w, http.StatusNotFound, "USER_NOT_FOUND", "user not found", nil)
		return
	}
	if enabled {
		httpx.WriteError(w, http.StatusConflict, "ALREADY_EXISTS", "MFA is already enabled", nil)
		return
	}

	key, err := s.newTOTPKey(acct.user.Email)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "SERVER_ERROR", "failed to generate secret", nil)
		return
	}

	s.mu.Lock()
	acct.mfaSecret = key.Secret()
	s.mu.Unlock()

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"secret":     key.Secret(),
		"otpauthUrl": key.URL(),
	})
}

func (s *Server) handleMFAVerifySetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	acct := s.users[httpx.UserIDFromContext(r.Context())]
	pending := acct != nil && acct.mfaSecret != "" && !acct.mfaEnabled
	s.mu.Unlock()

	if !pending {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "no MFA enrollment in progress", nil)
		return
	}
	if !s.consumeSecondFactor(acct, req.Code) {
		httpx.WriteError(w, http.StatusUnauthorized, "MFA_INVALID", "invalid verification code", nil)
		return
	}

	codes := make([]string, 8)
	s.mu.Lock()
	acct.backupCodes = make(map[string]bool, len(codes))
	for i := range codes {
		codes[i] = cryptox.MustRandomToken(cryptox.TokenSize128)
		acct.backupCodes[codes[i]] = true
	}
	acct.mfaEnabled = true
	acct.user.MFAEnabled = true
	s.mu.Unlock()

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	acct := s.users[httpx.UserIDFromContext(r.Context())]
	enabled := acct != nil && acct.mfaEnabled
	s.mu.Unlock()

	if !enabled {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "MFA is not enabled", nil)
		return
	}
	if !s.consumeSecondFactor(acct, req.Code) {
		httpx.WriteError(w, http.StatusUnauthorized, "MFA_INVALID", "invalid verification code", nil)
		return
	}

	s.mu.Lock()
	acct.mfaEnabled = false
	acct.mfaSecret = ""
	acct.backupCodes = nil
	acct.user.MFAEnabled = false
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Utilities
// ============================================================================

func (s *Server) handleCheckEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	s.mu.Lock()
	taken := s.findAccount(email, "") != nil
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"available": !taken})
}

func (s *Server) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	s.mu.Lock()
	taken := s.findAccount("", username) != nil
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"available": !taken})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.verifies[req.Token]
	acct := s.users[userID]
	if !ok || acct == nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_TOKEN", "invalid or used verification token", nil)
		return
	}
	delete(s.verifies, req.Token)
	acct.user.EmailVerified = true

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	if acct := s.findAccount(req.Email, ""); acct != nil && !acct.user.EmailVerified {
		s.verifies[cryptox.MustRandomToken(cryptox.TokenSize128)] = acct.user.ID
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCSRF(w http.ResponseWriter, _ *http.Request) {
	token := cryptox.MustRandomToken(cryptox.TokenSize256)

	s.mu.Lock()
	s.csrfTokens[token] = true
	s.mu.Unlock()

	w.Header().Set(httpx.CSRFHeader, token)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) validCSRF(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfTokens[token]
}

// findAccount looks an account up by email or username. The caller holds mu.
func (s *Server) findAccount(email, username string) *account {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	for _, acct := range s.users {
		if email != "" && acct.user.Email == email {
			return acct
		}
		if username != "" && acct.user.Username == username {
			return acct
		}
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", nil)
		return false
	}
	return true
}
