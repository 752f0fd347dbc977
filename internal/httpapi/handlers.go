package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"voltchain/internal/devices"
	"voltchain/internal/errs"
	"voltchain/internal/ingest"
	"voltchain/internal/settlement"
	"voltchain/internal/storage"
)

// Headers carried by signed device submissions.
const (
	HeaderDeviceID  = "x-device-id"
	HeaderTimestamp = "x-timestamp"
	HeaderSignature = "x-signature"
)

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": h.deps.Settings.ServiceName + " is running",
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": h.now().UTC().Format(time.RFC3339)})
}

func (h *handler) ingest(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	res, err := h.deps.Ingest.Ingest(c.Request.Context(), ingest.Request{
		DeviceID:  c.GetHeader(HeaderDeviceID),
		Timestamp: c.GetHeader(HeaderTimestamp),
		Signature: c.GetHeader(HeaderSignature),
		Body:      body,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) createReading(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	res, err := h.deps.Ingest.RecordManual(c.Request.Context(), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *handler) flush(c *gin.Context) {
	report, err := h.deps.Flush.Flush(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) backlog(c *gin.Context) {
	counts, err := h.deps.Backlog.CountReadingsByStatus(c.Request.Context())
	if err != nil {
		h.writeError(c, errs.Wrap(errs.Internal, "failed to count readings", err))
		return
	}
	out := gin.H{}
	for _, status := range []storage.LedgerStatus{storage.StatusPending, storage.StatusSent, storage.StatusFailed} {
		out[string(status)] = counts[status]
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) listDevices(c *gin.Context) {
	list, err := h.deps.Devices.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": list})
}

func (h *handler) createDevice(c *gin.Context) {
	var req devices.CreateRequest
	if !h.bindJSON(c, &req) {
		return
	}
	created, err := h.deps.Devices.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *handler) deviceReadings(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	deviceID := c.Param("id")
	readings, err := h.deps.Devices.Readings(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "readings": readings, "count": len(readings)})
}

type saleRequest struct {
	KWhSold      decimal.Decimal `json:"kwh_sold"`
	RevenueMinor int64           `json:"revenue_minor"`
	FeeBps       int             `json:"fee_bps"`
}

type burnRequest struct {
	UserID    string          `json:"user_id"`
	BurnedKWh decimal.Decimal `json:"burned_kwh"`
}

type saleView struct {
	ID           int64           `json:"id"`
	KWhSold      decimal.Decimal `json:"kwh_sold"`
	RevenueMinor int64           `json:"revenue_minor"`
	FeeBps       int             `json:"fee_bps"`
	Finalized    bool            `json:"finalized"`
	CreatedAt    time.Time       `json:"created_at"`
	FinalizedAt  *time.Time      `json:"finalized_at,omitempty"`
}

func viewSale(s storage.Sale) saleView {
	return saleView{
		ID:           s.ID,
		KWhSold:      s.KWhSold,
		RevenueMinor: s.RevenueMinor,
		FeeBps:       s.FeeBps,
		Finalized:    s.Finalized,
		CreatedAt:    s.CreatedAt,
		FinalizedAt:  s.FinalizedAt,
	}
}

func (h *handler) recordSale(c *gin.Context) {
	var req saleRequest
	if !h.bindJSON(c, &req) {
		return
	}
	sale, err := h.deps.Sales.RecordSale(c.Request.Context(), req.KWhSold, req.RevenueMinor, req.FeeBps)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewSale(sale))
}

func (h *handler) finalizeSale(c *gin.Context) {
	id, ok := saleID(c)
	if !ok {
		return
	}
	sale, err := h.deps.Sales.FinalizeSale(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSale(sale))
}

func (h *handler) burn(c *gin.Context) {
	id, ok := saleID(c)
	if !ok {
		return
	}
	var req burnRequest
	if !h.bindJSON(c, &req) {
		return
	}
	claim, err := h.deps.Sales.Burn(c.Request.Context(), req.UserID, id, req.BurnedKWh)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user_id":    claim.UserID,
		"sale_id":    claim.SaleID,
		"burned_kwh": claim.BurnedKWh,
	})
}

func (h *handler) markClaimed(c *gin.Context) {
	id, ok := saleID(c)
	if !ok {
		return
	}
	user := c.Param("user")
	if err := h.deps.Sales.MarkClaimed(c.Request.Context(), user, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "sale_id": id, "claimed": true})
}

func (h *handler) settlement(c *gin.Context) {
	id, ok := saleID(c)
	if !ok {
		return
	}
	report, err := h.deps.Sales.Settle(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if strings.EqualFold(c.Query("format"), "csv") {
		var buf bytes.Buffer
		if err := settlement.WriteCSV(&buf, report, h.deps.Settings.CurrencyUnits); err != nil {
			h.writeError(c, errs.Wrap(errs.Internal, "failed to render settlement", err))
			return
		}
		c.Header("Content-Disposition", "attachment; filename=settlement-"+strconv.FormatInt(id, 10)+".csv")
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, report)
}

func saleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abortError(c, http.StatusBadRequest, "invalid sale id")
		return 0, false
	}
	return id, true
}

func (h *handler) bindJSON(c *gin.Context, dst interface{}) bool {
	body, ok := h.readBody(c)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		abortError(c, http.StatusBadRequest, "request body must be a JSON object")
		return false
	}
	return true
}
