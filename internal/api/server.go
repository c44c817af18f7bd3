// Package api exposes the exchange over a JSON HTTP interface.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/apperr"
	"github.com/amirphl/simtrader/internal/candle"
	"github.com/amirphl/simtrader/internal/exchange"
	"github.com/amirphl/simtrader/internal/journal"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/amirphl/simtrader/internal/metrics"
	"github.com/amirphl/simtrader/internal/settlement"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	userKey      = "user"
	requestIDKey = "X-Request-ID"
)

// Exchange is the set of operations the HTTP layer calls.
type Exchange interface {
	Authenticate(ctx context.Context, username, password string) (account.User, error)
	Instruments() []market.Instrument
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, symbol string, limit int) ([]candle.Candle, error)
	ExecuteTrade(ctx context.Context, user account.User, symbol string, shares int64, side string) (settlement.Result, error)
	Account(ctx context.Context, user account.User) (exchange.AccountView, error)
	MarketOpen(ctx context.Context) (bool, error)
	ToggleMarket(ctx context.Context, user account.User) (bool, error)
	ResetAll(ctx context.Context, user account.User) error
	Accounts(ctx context.Context, user account.User) ([]exchange.AccountView, error)
	Events(ctx context.Context, user account.User, eventType string, since time.Time) ([]journal.Event, error)
}

type Options struct {
	CandleLimit    int
	MaxCandleLimit int
	Timeframe      string
}

type Server struct {
	ex      Exchange
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	router  *gin.Engine
}

func NewServer(ex Exchange, opts Options, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ex:      ex,
		opts:    opts,
		logger:  logger.Named("api"),
		metrics: m,
	}

	router := gin.New()
	router.Use(requestID())
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	public := s.router.Group("/api")
	{
		public.GET("/symbols", s.symbols)
		public.GET("/meta", s.meta)
	}

	authed := s.router.Group("/api", s.basicAuth())
	{
		authed.GET("/price/:symbol", s.price)
		authed.GET("/candles/:symbol", s.candles)
		authed.GET("/account", s.account)
		authed.POST("/trade", s.trade)
	}

	admin := s.router.Group("/admin", s.basicAuth())
	{
		admin.POST("/toggle_market", s.toggleMarket)
		admin.POST("/reset", s.reset)
		admin.GET("/users", s.users)
		admin.GET("/events", s.events)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDKey, id)
		c.Next()
	}
}

func (s *Server) basicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="simtrader"`)
			s.fail(c, apperr.ErrNotAuthenticated)
			return
		}
		u, err := s.ex.Authenticate(c.Request.Context(), username, password)
		if err != nil {
			if errors.Is(err, apperr.ErrNotAuthenticated) {
				c.Header("WWW-Authenticate", `Basic realm="simtrader"`)
			}
			s.fail(c, err)
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

func currentUser(c *gin.Context) account.User {
	u, _ := c.MustGet(userKey).(account.User)
	return u
}

func statusOf(err error) int {
	switch apperr.Kind(err) {
	case "invalid_input", "insufficient_funds", "insufficient_shares":
		return http.StatusBadRequest
	case "price_unavailable":
		return http.StatusServiceUnavailable
	case "unauthorized":
		return http.StatusForbidden
	case "not_authenticated":
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// fail aborts the request with the status mapped from err.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error(), "kind": apperr.Kind(err)}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.Writer.Header().Get(requestIDKey)),
			zap.Error(err),
		)
		body["error"] = "internal error"
	}
	var fe *apperr.InsufficientFundsError
	if errors.As(err, &fe) {
		body["required"] = fe.Required.StringFixed(2)
		body["available"] = fe.Available.StringFixed(2)
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) symbols(c *gin.Context) {
	c.JSON(http.StatusOK, s.ex.Instruments())
}

func (s *Server) meta(c *gin.Context) {
	open, err := s.ex.MarketOpen(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"market_open": open,
		"timeframe":   s.opts.Timeframe,
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) price(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	p, err := s.ex.LatestPrice(c.Request.Context(), symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": p})
}

func (s *Server) candles(c *gin.Context) {
	limit := s.opts.CandleLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(c, apperr.Invalid("limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}
	if s.opts.MaxCandleLimit > 0 && limit > s.opts.MaxCandleLimit {
		limit = s.opts.MaxCandleLimit
	}

	cs, err := s.ex.Candles(c.Request.Context(), c.Param("symbol"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (s *Server) account(c *gin.Context) {
	v, err := s.ex.Account(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type tradeRequest struct {
	Symbol string `json:"symbol"`
	Shares int64  `json:"shares"`
	Side   string `json:"side"`
}

func (s *Server) trade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Invalid("malformed trade request: %v", err))
		return
	}
	res, err := s.ex.ExecuteTrade(c.Request.Context(), currentUser(c), req.Symbol, req.Shares, strings.ToLower(req.Side))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) toggleMarket(c *gin.Context) {
	open, err := s.ex.ToggleMarket(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market_open": open})
}

func (s *Server) reset(c *gin.Context) {
	if err := s.ex.ResetAll(c.Request.Context(), currentUser(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) users(c *gin.Context) {
	views, err := s.ex.Accounts(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) events(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(c, apperr.Invalid("since must be RFC3339, got %q", raw))
			return
		}
		since = t
	}
	events, err := s.ex.Events(c.Request.Context(), currentUser(c), c.DefaultQuery("type", journal.TypeToggleMarket), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
