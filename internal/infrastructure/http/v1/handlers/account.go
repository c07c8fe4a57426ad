package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"

	"txcoord/internal/core/apperror"
	"txcoord/internal/core/tx"
	"txcoord/internal/domain/account"
	"txcoord/internal/infrastructure/http/v1/dto"
	"txcoord/pkg/logger"
)

// Streamer opens lazy row streams on their own connection.
type Streamer interface {
	Stream(sql string, args ...any) *tx.RowStream
}

// AccountHandler handles ledger endpoints.
type AccountHandler struct {
	*BaseHandler
	service   *account.Service
	streamer  Streamer
	listQuery squirrel.Sqlizer
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(base *BaseHandler, service *account.Service, streamer Streamer, listQuery squirrel.Sqlizer) *AccountHandler {
	return &AccountHandler{
		BaseHandler: base,
		service:     service,
		streamer:    streamer,
		listQuery:   listQuery,
	}
}

// List returns every account and the ledger total.
// GET /api/v1/accounts
func (h *AccountHandler) List(c *gin.Context) {
	accounts, err := h.service.List(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListResponse[dto.AccountResponse]{
		Items: dto.FromAccounts(accounts),
		Count: len(accounts),
		Total: account.Total(accounts).StringFixed(2),
	})
}

// Get returns one account.
// GET /api/v1/accounts/:id
func (h *AccountHandler) Get(c *gin.Context) {
	id, ok := h.ParseIDParam(c, "id")
	if !ok {
		return
	}

	a, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromAccount(*a))
}

// Transfer moves an amount between two accounts in one transaction.
// POST /api/v1/transfers
func (h *AccountHandler) Transfer(c *gin.Context) {
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}

	if err := h.service.Transfer(c.Request.Context(), req.ToDomain()); err != nil {
		h.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "committed"})
}

// Export streams every account as newline-delimited JSON without buffering
// the result set. A failure after the first row is reported as a final
// {"error": ...} line since the status is already sent.
// GET /api/v1/accounts/export
func (h *AccountHandler) Export(c *gin.Context) {
	ctx := c.Request.Context()

	sql, args, err := h.listQuery.ToSql()
	if err != nil {
		h.Error(c, apperror.NewInvalidQuery(err))
		return
	}

	stream := h.streamer.Stream(sql, args...)
	enc := json.NewEncoder(c.Writer)
	started := false
	start := func() {
		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
		started = true
	}

	for row, err := range stream.All(ctx) {
		if err != nil {
			if !started {
				h.Error(c, err)
				return
			}
			logger.Error(ctx, "account export interrupted", "error", err)
			_ = enc.Encode(gin.H{"error": err.Error()})
			return
		}
		if !started {
			start()
		}

		obj := make(map[string]any, len(row))
		for i, name := range stream.Fields() {
			obj[name] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			// client went away; leaving the loop releases the connection
			return
		}
		c.Writer.Flush()
	}

	if !started {
		start()
	}
}
