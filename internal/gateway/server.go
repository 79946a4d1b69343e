// Package gateway is the thin transport in front of the matching core: the
// command/query surface and the websocket event stream. Authentication and
// rate limiting live upstream; the caller's identity arrives in the
// X-User-ID header.
package gateway

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/user/minivenue/internal/database"
	"github.com/user/minivenue/internal/engine"
	"github.com/user/minivenue/internal/events"
	"github.com/user/minivenue/internal/journal"
	"github.com/user/minivenue/internal/marketdata"
	"github.com/user/minivenue/internal/models"
	"github.com/user/minivenue/internal/symbols"
)

const (
	minDepthLimit = 5
	maxDepthLimit = 1000
	maxListLimit  = 1000
)

// Server exposes the venue over HTTP and websocket.
type Server struct {
	app      *fiber.App
	log      *zap.Logger
	engine   *engine.Engine
	registry *symbols.Registry
	pub      *events.Publisher
	journal  *journal.Journal
	md       *marketdata.Cache

	orders   *database.OrderStore
	trades   *database.TradeStore
	balances *database.BalanceStore
	txns     *database.TransactionStore
}

// New builds the Server and its routes.
func New(log *zap.Logger, eng *engine.Engine, registry *symbols.Registry,
	pub *events.Publisher, jnl *journal.Journal, md *marketdata.Cache,
	orders *database.OrderStore, trades *database.TradeStore,
	balances *database.BalanceStore, txns *database.TransactionStore) *Server {

	s := &Server{
		app:      fiber.New(fiber.Config{DisableStartupMessage: true}),
		log:      log.Named("gateway"),
		engine:   eng,
		registry: registry,
		pub:      pub,
		journal:  jnl,
		md:       md,
		orders:   orders,
		trades:   trades,
		balances: balances,
		txns:     txns,
	}
	s.routes()
	return s
}

// Listen serves until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

func (s *Server) routes() {
	// Websocket event stream. Must be set up before the API group so it
	// doesn't inherit its handlers.
	ws := s.app.Group("/ws")
	ws.Use("/", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/stream", websocket.New(s.streamEndpoint))

	api := s.app.Group("/api")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// Public market data.
	api.Get("/symbols", s.getSymbols)
	api.Get("/book/:symbol", s.getBook)
	api.Get("/ticker", s.getTicker)
	api.Get("/markets/:symbol/trades", s.listSymbolTrades)
	api.Get("/resync/:symbol", s.getResync)

	// Trading and account surface. Identity comes from the upstream gateway.
	api.Post("/orders", s.submitOrder)
	api.Get("/orders", s.listOrders)
	api.Get("/orders/:id", s.getOrder)
	api.Delete("/orders/:id", s.cancelOrder)
	api.Get("/trades", s.listTrades)
	api.Get("/orders/:id/trades", s.listOrderTrades)
	api.Get("/balances", s.listBalances)
	api.Post("/deposits", s.deposit)
	api.Post("/withdrawals", s.withdraw)
	api.Get("/transactions", s.listTransactions)
}

// userID extracts the caller's identity.
func userID(c *fiber.Ctx) (uuid.UUID, error) {
	raw := c.Get("X-User-ID")
	if raw == "" {
		return uuid.Nil, errors.New("missing X-User-ID header")
	}
	return uuid.Parse(raw)
}

// fail maps engine and store error kinds onto HTTP statuses.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, database.ErrInsufficientFunds):
		status = fiber.StatusBadRequest
	case errors.Is(err, database.ErrNotCancellable):
		status = fiber.StatusBadRequest
	case errors.Is(err, database.ErrDuplicateClientOrderID):
		status = fiber.StatusConflict
	case errors.Is(err, database.ErrNotFound), errors.Is(err, engine.ErrUnknownSymbol),
		errors.Is(err, symbols.ErrUnknownSymbol):
		status = fiber.StatusNotFound
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrHalted):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, engine.ErrTimedOut):
		status = fiber.StatusGatewayTimeout
	}
	if status == fiber.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) getSymbols(c *fiber.Ctx) error {
	return c.JSON(s.registry.List())
}

func (s *Server) getBook(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Params("symbol"))
	limit := c.QueryInt("limit", 100)
	if limit < minDepthLimit {
		limit = minDepthLimit
	}
	if limit > maxDepthLimit {
		limit = maxDepthLimit
	}

	depth, err := s.engine.Depth(symbol, limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"book": depth, "ts": time.Now().UTC()})
}

func (s *Server) getTicker(c *fiber.Ctx) error {
	return c.JSON(s.md.LastPrices())
}

// getResync returns a recovery snapshot for subscribers that detected an
// event gap: the open orders, the current top of book, and the latest
// journaled sequence per channel.
func (s *Server) getResync(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Params("symbol"))
	if _, err := s.registry.Resolve(symbol); err != nil {
		return s.fail(c, err)
	}

	depth, err := s.engine.Depth(symbol, minDepthLimit)
	if err != nil {
		return s.fail(c, err)
	}
	open, err := s.orders.OpenBySymbol(c.Context(), symbol, maxListLimit)
	if err != nil {
		return s.fail(c, err)
	}

	seqs := fiber.Map{}
	if s.journal != nil {
		for _, ch := range []events.Channel{events.ChannelOrder, events.ChannelTrade, events.ChannelDepth} {
			if seq, err := s.journal.LastSeq(ch, symbol); err == nil {
				seqs[string(ch)] = seq
			}
		}
	}

	return c.JSON(fiber.Map{
		"symbol":      symbol,
		"top_of_book": depth,
		"open_orders": open,
		"last_seq":    seqs,
		"ts":          time.Now().UTC(),
	})
}

// submitOrderRequest is the expected JSON body for placing an order.
type submitOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	IcebergQty    decimal.Decimal `json:"iceberg_quantity"`
	TimeInForce   string          `json:"time_in_force"`
	ClientOrderID string          `json:"client_order_id"`
}

func (s *Server) submitOrder(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	req := new(submitOrderRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse request body"})
	}

	order, err := s.engine.Submit(c.Context(), &engine.SubmitRequest{
		UserID:        uid,
		ClientOrderID: strings.TrimSpace(req.ClientOrderID),
		Symbol:        strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:          models.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Type:          models.OrderType(strings.ToLower(strings.TrimSpace(req.Type))),
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		IcebergQty:    req.IcebergQty,
		TimeInForce:   models.TimeInForce(strings.ToUpper(strings.TrimSpace(req.TimeInForce))),
	})
	if err != nil {
		// A rejected order still has a persisted snapshot the user can see.
		if order != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
				"order": order,
			})
		}
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}

	res, err := s.engine.Cancel(c.Context(), uid, orderID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"order":            res.Order,
		"already_terminal": res.AlreadyTerminal,
	})
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}

	order, err := s.orders.Get(c.Context(), orderID, uid)
	if err != nil {
		return s.fail(c, err)
	}
	if order == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
	}
	return c.JSON(order)
}

func (s *Server) listOrders(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	orders, err := s.orders.ListForUser(c.Context(), uid, listLimit(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(orders)
}

func (s *Server) listTrades(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	symbol := strings.ToUpper(c.Query("symbol"))
	trades, err := s.trades.ByUser(c.Context(), uid, symbol, listLimit(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(trades)
}

// listSymbolTrades is the public recent-trades feed for a symbol.
func (s *Server) listSymbolTrades(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Params("symbol"))
	if _, err := s.registry.Resolve(symbol); err != nil {
		return s.fail(c, err)
	}
	trades, err := s.trades.BySymbol(c.Context(), symbol, listLimit(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(trades)
}

func (s *Server) listOrderTrades(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid order id"})
	}
	trades, err := s.trades.ByOrder(c.Context(), orderID, uid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(trades)
}

func (s *Server) listBalances(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	balances, err := s.balances.ListForUser(c.Context(), uid)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(balances)
}

type transferRequest struct {
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address"`
}

func (s *Server) deposit(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	req := new(transferRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse request body"})
	}
	if req.Asset == "" || req.Amount.Sign() <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "asset and positive amount are required"})
	}

	txn, err := s.balances.CreditDeposit(c.Context(), uid, strings.ToUpper(req.Asset), req.Amount)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(txn)
}

func (s *Server) withdraw(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	req := new(transferRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot parse request body"})
	}
	if req.Asset == "" || req.Amount.Sign() <= 0 || req.Address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "asset, positive amount and address are required"})
	}

	txn, err := s.balances.DebitWithdrawal(c.Context(), uid, strings.ToUpper(req.Asset), req.Amount, req.Address)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(txn)
}

func (s *Server) listTransactions(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	txns, err := s.txns.ListForUser(c.Context(), uid, listLimit(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(txns)
}

func listLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}
