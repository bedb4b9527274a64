// handlers.go - HTTP handlers: conversion upload, account pages, coupons and webhooks

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bosocmputer/image_wizard/internal/billing"
	"github.com/bosocmputer/image_wizard/internal/convert"
	"github.com/bosocmputer/image_wizard/internal/identity"
	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxWebhookBytes = 1 << 20

// ConvertRequest is the JSON form of an upload; File is a data URL.
type ConvertRequest struct {
	File                string `json:"file"`
	Mode                string `json:"mode"`
	Language            string `json:"language"`
	TranslationLanguage string `json:"translationLanguage"`
}

func accountRef(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(AccountHeader))
}

// statusFor maps a conversion error kind to an HTTP status.
func statusFor(kind convert.Kind) int {
	switch kind {
	case convert.KindInvalidRequest, convert.KindInvalidTranslationTarget:
		return http.StatusBadRequest
	case convert.KindAccountRequired:
		return http.StatusUnauthorized
	case convert.KindAccountNotFound:
		return http.StatusNotFound
	case convert.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case convert.KindExtractionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) HealthHandler(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if s.cfg.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.cfg.HealthCheck(ctx); err != nil {
			log.Error().Err(err).Msg("health check failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": "image-wizard",
		"version": "1.0.0",
	})
}

// ModesHandler lists the conversion modes with their costs.
func ModesHandler(c *gin.Context) {
	modes := make([]gin.H, 0, len(convert.Modes()))
	for _, m := range convert.Modes() {
		modes = append(modes, gin.H{
			"mode":             m.WireName,
			"credits":          m.Cost,
			"content_type":     m.ContentKind,
			"requires_account": m.RequiresAccount(),
			"translatable":     m.Translatable,
		})
	}
	c.JSON(http.StatusOK, gin.H{"modes": modes})
}

// QuotaHandler reports the anonymous caller's remaining free conversions.
func (s *Server) QuotaHandler(c *gin.Context) {
	if s.quota == nil {
		c.JSON(http.StatusOK, gin.H{"free_remaining": nil})
		return
	}
	remaining, err := s.quota.Remaining(c.Request.Context(), fingerprint(c))
	if err != nil {
		log.Error().Err(err).Msg("quota lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"free_remaining": remaining, "free_limit": s.quota.Limit()})
}

func fingerprint(c *gin.Context) string {
	return ratelimit.Fingerprint(c.ClientIP(), c.Request.UserAgent())
}

// ConvertHandler accepts a multipart upload ("file" or "image", plus "mode"
// or "type") or a JSON body with a data URL, and runs one conversion.
func (s *Server) ConvertHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+(1<<20))

	req, err := s.readConvertRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  string(convert.KindInvalidRequest),
		})
		return
	}
	req.AccountRef = accountRef(c)
	ctx := c.Request.Context()

	// anonymous OCR runs against the free quota; a failed conversion gives it back
	var (
		fp            string
		reserved      bool
		freeRemaining int
	)
	if req.AccountRef == "" && s.quota != nil {
		if spec, err := convert.ParseMode(req.Mode); err == nil && !spec.RequiresAccount() {
			fp = fingerprint(c)
			freeRemaining, err = s.quota.Reserve(ctx, fp)
			switch {
			case errors.Is(err, ratelimit.ErrQuotaExhausted):
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error": fmt.Sprintf("You have used your %d free conversions. Sign in to continue.", s.quota.Limit()),
					"code":  "FreeQuotaExhausted",
				})
				return
			case err != nil:
				// advisory limit: keep serving when the counter is down
				log.Warn().Err(err).Msg("free quota unavailable, allowing request")
			default:
				reserved = true
			}
		}
	}

	res, err := s.converter.Convert(ctx, req)
	if err != nil {
		if reserved {
			if rerr := s.quota.Release(context.WithoutCancel(ctx), fp); rerr != nil {
				log.Warn().Err(rerr).Msg("free quota release failed")
			}
		}
		s.writeConvertError(c, err)
		return
	}

	response := gin.H{
		"text":            res.NormalizedText,
		"formattedText":   res.FormattedText,
		"contentType":     res.ContentKind,
		"type":            req.Mode,
		"error":           nil,
		"request_id":      res.RequestID,
		"history_id":      res.HistoryID,
		"credits_charged": res.CreditsCharged,
	}
	if res.TranslatedText != "" {
		response["translatedText"] = res.TranslatedText
		response["translationLanguage"] = res.TargetLanguage
	}
	if res.Balance != nil {
		response["balance"] = *res.Balance
	}
	if reserved {
		response["free_remaining"] = freeRemaining
	}
	if res.Notice != "" {
		response["notice"] = res.Notice
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) readConvertRequest(c *gin.Context) (convert.Request, error) {
	var req convert.Request

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body ConvertRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return req, fmt.Errorf("invalid request body: %w", err)
		}
		req.Payload = []byte(body.File)
		req.Mode = body.Mode
		req.SourceLanguage = body.Language
		req.TargetLanguage = body.TranslationLanguage
		return req, nil
	}

	file, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, err = c.FormFile("image")
	}
	if err != nil {
		return req, fmt.Errorf("no file provided")
	}
	if file.Size > s.cfg.MaxUploadBytes {
		return req, fmt.Errorf("file is too large (max %d MB)", s.cfg.MaxUploadBytes>>20)
	}
	data, err := readFormFile(file, s.cfg.MaxUploadBytes)
	if err != nil {
		return req, err
	}

	req.Payload = data
	req.Mode = firstNonEmpty(c.PostForm("mode"), c.PostForm("type"))
	req.SourceLanguage = c.PostForm("language")
	req.TargetLanguage = c.PostForm("translationLanguage")
	return req, nil
}

func readFormFile(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("could not read the uploaded file")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("could not read the uploaded file")
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file is too large (max %d MB)", limit>>20)
	}
	return data, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *Server) writeConvertError(c *gin.Context, err error) {
	var cerr *convert.Error
	if !errors.As(err, &cerr) {
		log.Error().Err(err).Msg("unexpected conversion error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": string(convert.KindCommitFailure)})
		return
	}
	c.JSON(statusFor(cerr.Kind), gin.H{
		"error": cerr.Message,
		"code":  string(cerr.Kind),
	})
}

// writeLedgerError answers for account endpoints.
func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.Is(err, ledger.ErrCouponNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid coupon code"})
	case errors.Is(err, ledger.ErrCouponExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Coupon has expired"})
	case errors.Is(err, ledger.ErrCouponAlreadyRedeemed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "You have already redeemed this coupon"})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("ledger operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) CreditsHandler(c *gin.Context) {
	credits, err := s.ledger.GetBalance(c.Request.Context(), accountRef(c))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

func (s *Server) ProfileHandler(c *gin.Context) {
	profile, err := s.ledger.Profile(c.Request.Context(), accountRef(c))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// HistoryHandler serves GET /api/v1/conversions?page=&pageSize=
func (s *Server) HistoryHandler(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(ledger.DefaultPageSize)))

	history, err := s.ledger.History(c.Request.Context(), accountRef(c), page, pageSize)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) RedeemCouponHandler(c *gin.Context) {
	var body struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Coupon code is required"})
		return
	}

	redemption, err := s.ledger.RedeemCoupon(c.Request.Context(), accountRef(c), body.Code)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Coupon redeemed! %d credits added.", redemption.Credits),
		"code":    redemption.Code,
		"credits": redemption.Balance,
		"added":   redemption.Credits,
	})
}

func (s *Server) CheckoutHandler(c *gin.Context) {
	url, err := billing.CheckoutURL(s.cfg.CheckoutURL, accountRef(c), strings.TrimRight(s.cfg.PublicURL, "/")+"/profile")
	if err != nil {
		log.Error().Err(err).Msg("checkout link failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout is not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// PaymentWebhookHandler credits paid orders. Anything that cannot be
// credited is acknowledged with 200 so the provider does not retry it; only
// a store failure answers 500.
func (s *Server) PaymentWebhookHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}
	if !s.payments.Verify(c.Request.Context(), body, c.GetHeader("X-Signature")) {
		log.Warn().Msg("payment webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, disposition, reason := billing.ParseLemonSqueezyEvent(body)
	if disposition != billing.Accepted {
		log.Warn().Str("disposition", string(disposition)).Str("reason", reason).Msg("payment webhook dropped")
		c.JSON(http.StatusOK, gin.H{"status": disposition, "reason": reason})
		return
	}

	applied, balance, err := s.ledger.CreditPurchase(c.Request.Context(), ledger.PurchaseGrant{
		AccountRef:    ev.AccountRef,
		Package:       ev.Package,
		Credits:       ev.Credits,
		AmountPaid:    ev.AmountPaid,
		TransactionID: ev.TransactionID,
	})
	if err != nil {
		// an unknown account may still be on its way from the identity webhook
		log.Error().Err(err).Str("account", ev.AccountRef).Str("transaction", ev.TransactionID).Msg("purchase credit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not credit purchase"})
		return
	}

	status := "credited"
	if !applied {
		status = "duplicate"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "credits": balance})
}

// IdentityWebhookHandler provisions an account on user.created.
func (s *Server) IdentityWebhookHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	if err := s.users.Verify(body, c.Request.Header); err != nil {
		log.Warn().Err(err).Msg("identity webhook verification failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook verification failed"})
		return
	}

	ev, err := identity.ParseUserEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.Type != "user.created" {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "ignored"})
		return
	}
	if ev.Ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}

	created, err := s.ledger.ProvisionAccount(c.Request.Context(), ev.Ref, ev.Email)
	if err != nil {
		log.Error().Err(err).Str("account", ev.Ref).Msg("account provisioning failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "created": created})
}
