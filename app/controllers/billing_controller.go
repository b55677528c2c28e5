package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/crewdeskhq/crewdesk/app/models"
	"github.com/crewdeskhq/crewdesk/internal/pkg/billing"
	"github.com/crewdeskhq/crewdesk/internal/pkg/cache"
	"github.com/crewdeskhq/crewdesk/internal/pkg/database"
	"github.com/crewdeskhq/crewdesk/internal/pkg/env"
	metrics "github.com/crewdeskhq/crewdesk/internal/pkg/metrics/counter"
	"github.com/crewdeskhq/crewdesk/internal/pkg/session"
	"github.com/crewdeskhq/crewdesk/internal/pkg/usercontext"
)

var billingServices *billing.Services

// InitializeBillingController wires the billing services against the global
// database and the Stripe gateway. Must run after database setup.
func InitializeBillingController() {
	gateway := billing.NewStripeGatewayFromEnv()
	billingServices = billing.NewServicesFromDB(database.GetDB(), gateway, billing.ConfigFromEnv())
}

// SetBillingServices replaces the wired billing services (used by tests).
func SetBillingServices(svc *billing.Services) {
	billingServices = svc
}

// GetBillingServices exposes the wired billing services to other subsystems
// (background jobs share the controller wiring).
func GetBillingServices() *billing.Services {
	return billingServices
}

func entitlementCacheKey(userID uint) string {
	return "billing:entitlements:" + strconv.FormatUint(uint64(userID), 10)
}

func entitlementCacheTTL() time.Duration {
	seconds, err := strconv.Atoi(env.GetEnv("BILLING_SNAPSHOT_TTL_SECONDS", "60"))
	if err != nil || seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

func invalidateEntitlementCache(userID uint) {
	if err := cache.Delete(entitlementCacheKey(userID)); err != nil {
		log.Debugf("[Billing] entitlement cache invalidation failed for user %d: %v", userID, err)
	}
}

type checkoutRequest struct {
	PriceRef string `json:"price_ref"`
	Quantity int64  `json:"quantity"`
}

// HandleGetEntitlements resolves and returns the caller's entitlement status.
// Fresh resolutions are cached in Redis for a short TTL so page loads do not
// hammer the billing provider.
func HandleGetEntitlements(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	if !c.QueryBool("refresh", false) {
		if cached, err := cache.Get(entitlementCacheKey(userCtx.UserID)); err == nil && cached != "" {
			var es billing.EntitlementStatus
			if err := json.Unmarshal([]byte(cached), &es); err == nil {
				return c.JSON(fiber.Map{"entitlements": es, "cached": true})
			}
		}
	}

	user, err := billingServices.Repo.GetUserByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	es, err := billingServices.Resolver.Resolve(ctx, user)
	if err != nil {
		// error-fallback still carries a usable status; report it with a hint.
		log.Warnf("[Billing] entitlement resolution degraded for user %d: %v", user.ID, err)
	}
	if err := metrics.AddResolution(es.Source); err != nil {
		log.Debugf("[Billing] resolution counter failed: %v", err)
	}

	if es.Source != billing.SourceErrorFallback {
		if payload, merr := json.Marshal(es); merr == nil {
			if cerr := cache.Set(entitlementCacheKey(user.ID), string(payload), entitlementCacheTTL()); cerr != nil {
				log.Debugf("[Billing] entitlement cache write failed: %v", cerr)
			}
		}
	}

	return c.JSON(fiber.Map{"entitlements": es, "cached": false, "degraded": err != nil})
}

// HandleStartTrial begins a trial for the caller and assigns the trial role.
func HandleStartTrial(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	user, err := billingServices.Repo.GetUserByID(userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := billingServices.Trials.StartTrial(ctx, user); err != nil {
		switch {
		case errors.Is(err, billing.ErrAlreadyOnTrial):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "trial_already_used", "message": "A trial was already used for this account"})
		case errors.Is(err, billing.ErrAlreadySubscribed):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_subscribed", "message": "Account already has an active subscription"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Trial could not be started"})
		}
	}

	invalidateEntitlementCache(user.ID)
	_ = session.SetSessionValue(c, SESSION_BILLING_ROLE, models.RoleTrial)
	if err := metrics.AddRoleChange(models.RoleTrial); err != nil {
		log.Debugf("[Billing] role change counter failed: %v", err)
	}

	return c.JSON(fiber.Map{"ok": true, "trial_ends_at": formatTimePtr(user.TrialEndsAt)})
}

// HandleCreateCheckoutSession creates a provider checkout session for the caller.
func HandleCreateCheckoutSession(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.PriceRef) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "price_ref is required"})
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	user, err := billingServices.Repo.GetUserByID(userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}
	if user.RemoteCustomerID == "" {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_billing_profile", "message": "Account has no billing profile yet"})
	}

	baseURL := env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	info, err := billingServices.Gateway.CreateCheckoutSession(ctx, billing.CheckoutParams{
		CustomerID: user.RemoteCustomerID,
		PriceRef:   strings.TrimSpace(req.PriceRef),
		Quantity:   req.Quantity,
		SuccessURL: baseURL + "/billing/checkout/success",
		CancelURL:  baseURL + "/billing/checkout/cancel",
	})
	if err != nil {
		log.Errorf("[Billing] checkout session failed for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_error", "message": "Checkout session could not be created"})
	}

	return c.JSON(fiber.Map{"url": info.URL, "session_id": info.SessionID})
}

// HandleBillingPortal creates a provider billing portal session for the caller.
func HandleBillingPortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	user, err := billingServices.Repo.GetUserByID(userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}
	if user.RemoteCustomerID == "" {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_billing_profile", "message": "Account has no billing profile yet"})
	}

	baseURL := env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	info, err := billingServices.Gateway.CreateBillingPortalSession(ctx, user.RemoteCustomerID, baseURL+"/user/settings/billing")
	if err != nil {
		log.Errorf("[Billing] portal session failed for user %d: %v", user.ID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_error", "message": "Billing portal session could not be created"})
	}

	return c.JSON(fiber.Map{"url": info.URL, "session_id": info.SessionID})
}

// HandleBillingResync re-syncs the caller's remote subscriptions into the
// local cache and recomputes the billing role.
func HandleBillingResync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := billingServices.Sync.SyncPopulation(ctx, billing.SyncOptions{
		Window:      24 * time.Hour,
		UserID:      userCtx.UserID,
		UpdateRoles: true,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Re-sync failed"})
	}

	invalidateEntitlementCache(userCtx.UserID)
	if user, err := billingServices.Repo.GetUserByID(userCtx.UserID); err == nil {
		_ = session.SetSessionValue(c, SESSION_BILLING_ROLE, user.BillingRole())
	}

	return c.JSON(fiber.Map{"ok": true, "result": result})
}

// HandleStripeWebhook ingests provider payment webhooks. Events are persisted
// idempotently before processing; duplicates are acknowledged without
// reprocessing. In dev environments a trusted-test header may bypass
// signature verification.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	sigHeader := strings.TrimSpace(c.Get("Stripe-Signature"))
	trustedTest := env.IsDev() && c.Get("X-Webhook-Trusted-Test") == "1"

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		ev       *billing.PaymentEvent
		parseErr error
	)
	if trustedTest {
		ev, parseErr = billing.ParseStripeEventUnverified(rawBody)
	} else {
		ev, parseErr = billing.ParseStripeEvent(rawBody, sigHeader, secret)
	}
	if parseErr != nil {
		// Persist the rejected payload for forensics, then refuse it.
		created, stored, recErr := billingServices.Webhooks.RecordEvent(ctx, billing.PaymentEvent{PayloadJSON: string(rawBody)}, false)
		if recErr == nil && created {
			_ = billingServices.Webhooks.MarkProcessed(ctx, stored.ID, parseErr)
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	if err := metrics.AddWebhookEvent(ev.EventType); err != nil {
		log.Debugf("[Billing] webhook counter failed: %v", err)
	}

	created, stored, err := billingServices.Webhooks.RecordEvent(ctx, *ev, !trustedTest)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	// A replay only counts as a duplicate when the first delivery completed
	// cleanly; failed or interrupted processing runs again on retry.
	if !created && !billingServices.Webhooks.NeedsReprocessing(stored) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	var handleErr error
	switch ev.EventType {
	case billing.EventPaymentSucceeded:
		handleErr = billingServices.Webhooks.HandlePaymentSucceeded(ctx, *ev)
	case billing.EventPaymentFailed:
		handleErr = billingServices.Webhooks.HandlePaymentFailed(ctx, *ev)
	default:
		_ = billingServices.Webhooks.MarkProcessed(ctx, stored.ID, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	_ = billingServices.Webhooks.MarkProcessed(ctx, stored.ID, handleErr)
	if handleErr != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleBillingStats returns the Redis-backed billing counters (admin only,
// enforced in the router).
func HandleBillingStats(c *fiber.Ctx) error {
	snapshot, err := metrics.Snapshot()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Counter snapshot failed"})
	}
	return c.JSON(fiber.Map{"counters": snapshot})
}
