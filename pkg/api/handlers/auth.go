package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/fleetview/console/pkg/cache"
	"github.com/fleetview/console/pkg/creds"
)

// AuthHandlers handles the SSO device-authorization login flow
type AuthHandlers struct {
	sso      *creds.SSOClient
	broker   *creds.Broker
	cache    *cache.ResponseCache
	hub      *Hub
	startURL string
	region   string
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(sso *creds.SSOClient, broker *creds.Broker, rc *cache.ResponseCache, hub *Hub, startURL, region string) *AuthHandlers {
	return &AuthHandlers{
		sso:      sso,
		broker:   broker,
		cache:    rc,
		hub:      hub,
		startURL: startURL,
		region:   region,
	}
}

// StartLogin begins a device-authorization login attempt
// POST /auth/login
func (h *AuthHandlers) StartLogin(c *fiber.Ctx) error {
	type loginRequest struct {
		StartURL string `json:"startUrl"`
		Region   string `json:"region"`
	}

	var req loginRequest
	// Body is optional; the configured start URL and region are the default.
	_ = c.BodyParser(&req)

	startURL := req.StartURL
	if startURL == "" {
		startURL = h.startURL
	}
	region := req.Region
	if region == "" {
		region = h.region
	}

	if startURL == "" {
		return c.Status(400).JSON(fiber.Map{"error": "no SSO start URL configured"})
	}
	if region == "" {
		return c.Status(400).JSON(fiber.Map{"error": "no SSO region configured"})
	}

	start, err := h.sso.StartLogin(c.Context(), startURL, region)
	if err != nil {
		return c.Status(502).JSON(fiber.Map{"error": "failed to start login: " + err.Error()})
	}

	log.Printf("[auth] login attempt %s started", start.AttemptID)
	return c.JSON(start)
}

// PollLogin checks whether the user has approved the device code yet
// POST /auth/login/:attempt/poll
func (h *AuthHandlers) PollLogin(c *fiber.Ctx) error {
	attemptID := c.Params("attempt")

	done, err := h.sso.PollLogin(c.Context(), attemptID)
	if err != nil {
		if errors.Is(err, creds.ErrAttemptNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "login attempt not found"})
		}
		return c.Status(502).JSON(fiber.Map{"error": "poll failed: " + err.Error()})
	}

	status := "pending"
	if done {
		status = "ready"
	}
	return c.JSON(fiber.Map{"status": status})
}

// ListAccounts lists the accounts visible to the approved login attempt
// GET /auth/login/:attempt/accounts
func (h *AuthHandlers) ListAccounts(c *fiber.Ctx) error {
	attemptID := c.Params("attempt")

	accounts, err := h.sso.Accounts(c.Context(), attemptID)
	if err != nil {
		if errors.Is(err, creds.ErrAttemptNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "login attempt not found"})
		}
		return c.Status(502).JSON(fiber.Map{"error": "failed to list accounts: " + err.Error()})
	}

	return c.JSON(fiber.Map{"accounts": accounts})
}

// ListRoles lists the roles available in one account
// GET /auth/login/:attempt/roles?account=
func (h *AuthHandlers) ListRoles(c *fiber.Ctx) error {
	attemptID := c.Params("attempt")
	accountID := c.Query("account")
	if accountID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "account query parameter is required"})
	}

	roles, err := h.sso.Roles(c.Context(), attemptID, accountID)
	if err != nil {
		if errors.Is(err, creds.ErrAttemptNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "login attempt not found"})
		}
		return c.Status(502).JSON(fiber.Map{"error": "failed to list roles: " + err.Error()})
	}

	return c.JSON(fiber.Map{"roles": roles})
}

// FinalizeLogin installs the session from an approved attempt. The
// credential cache and the response cache both start fresh.
// POST /auth/login/:attempt/finalize
func (h *AuthHandlers) FinalizeLogin(c *fiber.Ctx) error {
	attemptID := c.Params("attempt")

	type finalizeRequest struct {
		RoleName string `json:"roleName"`
	}

	var req finalizeRequest
	_ = c.BodyParser(&req)

	session, err := h.sso.Finalize(attemptID, req.RoleName)
	if err != nil {
		if errors.Is(err, creds.ErrAttemptNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "login attempt not found"})
		}
		return c.Status(502).JSON(fiber.Map{"error": "finalize failed: " + err.Error()})
	}

	h.broker.SetSession(session)
	h.cache.InvalidateAll()
	h.hub.BroadcastAll(Message{Type: "session-changed", Data: fiber.Map{"loggedIn": true}})

	log.Printf("[auth] session installed (region %s, role %s)", session.Region, session.RoleName)
	return c.JSON(fiber.Map{
		"loggedIn": true,
		"region":   session.Region,
		"roleName": session.RoleName,
	})
}

// Logout clears the session, the credential cache, and every cached fragment
// POST /auth/logout
func (h *AuthHandlers) Logout(c *fiber.Ctx) error {
	h.broker.ClearSession()
	h.cache.InvalidateAll()
	h.hub.BroadcastAll(Message{Type: "session-changed", Data: fiber.Map{"loggedIn": false}})

	log.Printf("[auth] session cleared")
	return c.JSON(fiber.Map{"loggedIn": false})
}

// SessionInfo reports whether a session is active. The access token is
// never exposed.
// GET /auth/session
func (h *AuthHandlers) SessionInfo(c *fiber.Ctx) error {
	session := h.broker.Session()
	if session == nil {
		return c.JSON(fiber.Map{"loggedIn": false})
	}

	return c.JSON(fiber.Map{
		"loggedIn": true,
		"region":   session.Region,
		"roleName": session.RoleName,
	})
}
