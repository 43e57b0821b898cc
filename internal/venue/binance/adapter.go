package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://fapi.binance.com"

// Adapter speaks the USDⓈ-M futures REST API. Signed endpoints use
// HMAC-SHA256 over the query string with a recvWindow of 5s.
type Adapter struct {
	id            string
	baseURL       string
	apiKey        string
	apiSecret     string
	symbolMap     map[string]string
	caps          model.CapabilitySet
	limiter       *rate.Limiter
	http          *http.Client
	readTimeout   time.Duration
	submitTimeout time.Duration
	stream        *MarkStream
}

type Options struct {
	ID            string
	BaseURL       string
	APIKey        string
	APISecret     string
	SymbolMap     map[string]string
	Capabilities  []model.Capability
	QPS           float64
	Burst         int
	ReadTimeout   time.Duration
	SubmitTimeout time.Duration
}

func New(opts Options) *Adapter {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	qps := opts.QPS
	if qps == 0 {
		qps = 10
	}
	burst := opts.Burst
	if burst == 0 {
		burst = 20
	}
	caps := model.NewCapabilitySet(
		model.CapPerp, model.CapOrderBookDepth, model.CapFundingRate,
		model.CapLiquidationPrice, model.CapCancelAll,
	)
	if len(opts.Capabilities) > 0 {
		caps = model.NewCapabilitySet(opts.Capabilities...)
	}
	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout == 0 {
		submitTimeout = 60 * time.Second
	}
	return &Adapter{
		id:            opts.ID,
		baseURL:       strings.TrimRight(base, "/"),
		apiKey:        opts.APIKey,
		apiSecret:     opts.APISecret,
		symbolMap:     opts.SymbolMap,
		caps:          caps,
		limiter:       rate.NewLimiter(rate.Limit(qps), burst),
		http:          &http.Client{},
		readTimeout:   readTimeout,
		submitTimeout: submitTimeout,
	}
}

func (a *Adapter) ID() string                        { return a.id }
func (a *Adapter) Capabilities() model.CapabilitySet { return a.caps }

// AttachStream wires a live mark-price cache. MarketPrice prefers it while
// fresh and falls back to REST.
func (a *Adapter) AttachStream(s *MarkStream) {
	a.stream = s
}

func (a *Adapter) mapSymbol(symbol string) (string, error) {
	if m, ok := a.symbolMap[symbol]; ok {
		return m, nil
	}
	return "", apperrors.Newf(apperrors.ErrUnknownSymbol, "no binance mapping for %s", symbol).ForVenue(a.id)
}

type premiumIndex struct {
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
}

func (a *Adapter) MarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if a.stream != nil {
		if px, ok := a.stream.Mark(sym, 5*time.Second); ok {
			return px, nil
		}
	}
	var pi premiumIndex
	if err := a.get(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {sym}}, false, &pi); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(pi.MarkPrice)
}

func (a *Adapter) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var pi premiumIndex
	if err := a.get(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {sym}}, false, &pi); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(pi.LastFundingRate)
}

type positionRisk struct {
	PositionAmt      string `json:"positionAmt"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
}

func (a *Adapter) Position(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var rows []positionRisk
	if err := a.get(ctx, "/fapi/v2/positionRisk", url.Values{"symbol": {sym}}, true, &rows); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	// One-way mode: a single row per symbol. No row means flat.
	if len(rows) == 0 {
		return decimal.Zero, decimal.Zero, nil
	}
	size, err := decimal.NewFromString(rows[0].PositionAmt)
	if err != nil {
		return decimal.Zero, decimal.Zero, apperrors.New(apperrors.ErrVenueError, "bad positionAmt", err).ForVenue(a.id)
	}
	upnl, err := decimal.NewFromString(rows[0].UnrealizedProfit)
	if err != nil {
		return decimal.Zero, decimal.Zero, apperrors.New(apperrors.ErrVenueError, "bad unRealizedProfit", err).ForVenue(a.id)
	}
	return size, upnl, nil
}

func (a *Adapter) LiquidationPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var rows []positionRisk
	if err := a.get(ctx, "/fapi/v2/positionRisk", url.Values{"symbol": {sym}}, true, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 || rows[0].LiquidationPrice == "" || rows[0].LiquidationPrice == "0" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(rows[0].LiquidationPrice)
}

type accountInfo struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	AvailableBalance   string `json:"availableBalance"`
}

func (a *Adapter) Collateral(ctx context.Context) (decimal.Decimal, error) {
	var acct accountInfo
	if err := a.get(ctx, "/fapi/v2/account", url.Values{}, true, &acct); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(acct.AvailableBalance)
}

func (a *Adapter) Equity(ctx context.Context) (decimal.Decimal, error) {
	var acct accountInfo
	if err := a.get(ctx, "/fapi/v2/account", url.Values{}, true, &acct); err != nil {
		return decimal.Zero, err
	}
	// totalMarginBalance already includes unrealized PnL.
	return decimal.NewFromString(acct.TotalMarginBalance)
}

type depthResp struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (a *Adapter) OrderBook(ctx context.Context, symbol string) (model.OrderBook, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return model.OrderBook{}, err
	}
	var d depthResp
	if err := a.get(ctx, "/fapi/v1/depth", url.Values{"symbol": {sym}, "limit": {"100"}}, false, &d); err != nil {
		return model.OrderBook{}, err
	}
	book := model.OrderBook{
		Bids: parseLevels(d.Bids),
		Asks: parseLevels(d.Asks),
	}
	return book, nil
}

func parseLevels(raw [][]string) []model.Level {
	out := make([]model.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		px, err1 := decimal.NewFromString(lvl[0])
		sz, err2 := decimal.NewFromString(lvl[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.Level{Price: px, Size: sz})
	}
	return out
}

func (a *Adapter) Submit(ctx context.Context, symbol string, size decimal.Decimal, side model.Side) error {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return err
	}
	params := url.Values{
		"symbol":   {sym},
		"side":     {string(side)},
		"type":     {"MARKET"},
		"quantity": {size.Abs().String()},
	}
	var resp json.RawMessage
	return a.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp)
}

func (a *Adapter) CancelAll(ctx context.Context, symbol string) error {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return err
	}
	var resp json.RawMessage
	return a.call(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", url.Values{"symbol": {sym}}, true, &resp)
}

func (a *Adapter) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	return a.call(ctx, http.MethodGet, path, params, signed, out)
}

func (a *Adapter) call(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return apperrors.New(apperrors.ErrVenueUnavailable, "rate limiter wait aborted", err).ForVenue(a.id)
	}

	// Reads get the short budget, mutations the long one.
	timeout := a.readTimeout
	if method != http.MethodGet {
		timeout = a.submitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		mac := hmac.New(sha256.New, []byte(a.apiSecret))
		mac.Write([]byte(params.Encode()))
		params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return apperrors.New(apperrors.ErrVenueError, "build request", err).ForVenue(a.id)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrVenueUnavailable, "binance request failed", err).ForVenue(a.id)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.New(apperrors.ErrVenueUnavailable, "binance read body", err).ForVenue(a.id)
	}

	if resp.StatusCode != http.StatusOK {
		return a.classify(resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return apperrors.New(apperrors.ErrVenueError, "binance decode response", err).ForVenue(a.id)
		}
	}
	return nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps HTTP status and binance error codes onto the shared
// taxonomy. 429/418 are rate limits, 5xx transient, -2019 margin, -1121
// unknown symbol; everything else is a permanent VenueError.
func (a *Adapter) classify(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := fmt.Sprintf("binance %d (%d): %s", status, apiErr.Code, apiErr.Msg)

	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return apperrors.Newf(apperrors.ErrRateLimited, "%s", msg).ForVenue(a.id)
	case status >= 500:
		return apperrors.Newf(apperrors.ErrVenueUnavailable, "%s", msg).ForVenue(a.id)
	case apiErr.Code == -2019: // margin is insufficient
		return apperrors.Newf(apperrors.ErrInsufficientMargin, "%s", msg).ForVenue(a.id)
	case apiErr.Code == -1121: // invalid symbol
		return apperrors.Newf(apperrors.ErrUnknownSymbol, "%s", msg).ForVenue(a.id)
	default:
		return apperrors.Newf(apperrors.ErrVenueError, "%s", msg).ForVenue(a.id)
	}
}
