package httpserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

// Transfer is the resource served by the demo API.
type Transfer struct {
	ID        uuid.UUID `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

type createTransferRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// transferReplayWindow is how long a created transfer is replayed to retries.
const transferReplayWindow = time.Hour

type transferLedger struct {
	mu        sync.RWMutex
	transfers map[uuid.UUID]*Transfer
	receipts  map[uuid.UUID]int
}

func newTransferLedger() *transferLedger {
	return &transferLedger{
		transfers: make(map[uuid.UUID]*Transfer),
		receipts:  make(map[uuid.UUID]int),
	}
}

func (s *Server) createTransfer(c echo.Context) error {
	var req createTransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.From == "" || req.To == "" || req.Amount <= 0 {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "from, to and a positive amount are required"})
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	t := &Transfer{
		ID:        uuid.New(),
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: time.Now().UTC(),
	}
	s.transfers.mu.Lock()
	s.transfers.transfers[t.ID] = t
	s.transfers.mu.Unlock()

	if s.logger != nil {
		s.logger.WithField("transfer_id", t.ID).Info("transfer created")
	}
	c.Response().Header().Set(idempotency.HeaderPersistForSeconds, strconv.Itoa(int(transferReplayWindow.Seconds())))
	c.Response().Header().Set(echo.HeaderLocation, "/v1/transfers/"+t.ID.String())
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) getTransfer(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid transfer id")
	}
	s.transfers.mu.RLock()
	t, ok := s.transfers.transfers[id]
	s.transfers.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "transfer not found")
	}
	return c.JSON(http.StatusOK, t)
}

// sendReceipt is a side effect that must not be replayed from storage: every
// retry reports the live receipt count.
func (s *Server) sendReceipt(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid transfer id")
	}
	s.transfers.mu.Lock()
	defer s.transfers.mu.Unlock()
	if _, ok := s.transfers.transfers[id]; !ok {
		return echo.NewHTTPError(http.StatusNotFound, "transfer not found")
	}
	s.transfers.receipts[id]++

	c.Response().Header().Set(idempotency.HeaderPolicy, idempotency.PolicyNoStore)
	return c.JSON(http.StatusAccepted, map[string]int{"receipts_sent": s.transfers.receipts[id]})
}
