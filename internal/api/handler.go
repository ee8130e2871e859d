// Package api serves the operator-facing read endpoints: Lightning node
// status and the per-peer balance counters.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
)

// NodeInfoSource reports the backing Lightning node.
type NodeInfoSource interface {
	GetInfo(ctx context.Context) (*lightning.NodeInfo, error)
}

// AccountSource lists the loaded peer accounts.
type AccountSource interface {
	Snapshots() []account.Snapshot
}

// Handler wires the read API onto a Gin group.
type Handler struct {
	ln       NodeInfoSource
	accounts AccountSource
	log      *zap.Logger
}

func NewHandler(ln NodeInfoSource, accounts AccountSource, log *zap.Logger) *Handler {
	return &Handler{ln: ln, accounts: accounts, log: log}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/node", h.handleNode)
	rg.GET("/accounts", h.handleAccounts)
	rg.GET("/accounts/:name", h.handleAccount)
}

type accountView struct {
	Name       string `json:"name"`
	Payable    string `json:"payable"`
	Receivable string `json:"receivable"`
	Payout     string `json:"payout"`
}

func viewOf(s account.Snapshot) accountView {
	return accountView{
		Name:       s.Name,
		Payable:    s.Payable.String(),
		Receivable: s.Receivable.String(),
		Payout:     s.Payout.String(),
	}
}

func (h *Handler) handleNode(c *gin.Context) {
	info, err := h.ln.GetInfo(c.Request.Context())
	if err != nil {
		h.log.Warn("node info request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "lightning node unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identityPubkey": info.IdentityPubkey,
		"alias":          info.Alias,
		"syncedToChain":  info.SyncedToChain,
		"blockHeight":    info.BlockHeight,
		"version":        info.Version,
	})
}

func (h *Handler) handleAccounts(c *gin.Context) {
	snaps := h.accounts.Snapshots()
	views := make([]accountView, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, viewOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (h *Handler) handleAccount(c *gin.Context) {
	name := c.Param("name")
	for _, s := range h.accounts.Snapshots() {
		if s.Name == name {
			c.JSON(http.StatusOK, viewOf(s))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "account not loaded"})
}
