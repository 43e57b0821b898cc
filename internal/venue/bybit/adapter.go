package bybit

import (
	"bytes"
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

const defaultBaseURL = "https://api.bybit.com"

// Adapter speaks the v5 unified API, linear (USDT perp) category only.
// Authentication is the X-BAPI header scheme: HMAC-SHA256 over
// timestamp + key + recvWindow + payload.
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

func (a *Adapter) mapSymbol(symbol string) (string, error) {
	if m, ok := a.symbolMap[symbol]; ok {
		return m, nil
	}
	return "", apperrors.Newf(apperrors.ErrUnknownSymbol, "no bybit mapping for %s", symbol).ForVenue(a.id)
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type tickersResult struct {
	List []struct {
		MarkPrice   string `json:"markPrice"`
		FundingRate string `json:"fundingRate"`
	} `json:"list"`
}

func (a *Adapter) ticker(ctx context.Context, symbol string) (*tickersResult, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return nil, err
	}
	var res tickersResult
	err = a.get(ctx, "/v5/market/tickers", url.Values{"category": {"linear"}, "symbol": {sym}}, false, &res)
	if err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, apperrors.Newf(apperrors.ErrUnknownSymbol, "bybit ticker empty for %s", sym).ForVenue(a.id)
	}
	return &res, nil
}

func (a *Adapter) MarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := a.ticker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(res.List[0].MarkPrice)
}

func (a *Adapter) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := a.ticker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(res.List[0].FundingRate)
}

type positionResult struct {
	List []struct {
		Side          string `json:"side"` // "Buy" | "Sell" | ""
		Size          string `json:"size"`
		UnrealisedPnl string `json:"unrealisedPnl"`
		LiqPrice      string `json:"liqPrice"`
	} `json:"list"`
}

func (a *Adapter) Position(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var res positionResult
	err = a.get(ctx, "/v5/position/list", url.Values{"category": {"linear"}, "symbol": {sym}}, true, &res)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(res.List) == 0 || res.List[0].Size == "" || res.List[0].Size == "0" {
		return decimal.Zero, decimal.Zero, nil
	}
	size, err := decimal.NewFromString(res.List[0].Size)
	if err != nil {
		return decimal.Zero, decimal.Zero, apperrors.New(apperrors.ErrVenueError, "bad size", err).ForVenue(a.id)
	}
	if res.List[0].Side == "Sell" {
		size = size.Neg()
	}
	upnl, _ := decimal.NewFromString(res.List[0].UnrealisedPnl)
	return size, upnl, nil
}

func (a *Adapter) LiquidationPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var res positionResult
	err = a.get(ctx, "/v5/position/list", url.Values{"category": {"linear"}, "symbol": {sym}}, true, &res)
	if err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 || res.List[0].LiqPrice == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(res.List[0].LiqPrice)
}

type walletResult struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	} `json:"list"`
}

func (a *Adapter) wallet(ctx context.Context) (*walletResult, error) {
	var res walletResult
	err := a.get(ctx, "/v5/account/wallet-balance", url.Values{"accountType": {"UNIFIED"}}, true, &res)
	if err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, apperrors.Newf(apperrors.ErrVenueError, "bybit wallet-balance empty").ForVenue(a.id)
	}
	return &res, nil
}

func (a *Adapter) Collateral(ctx context.Context) (decimal.Decimal, error) {
	res, err := a.wallet(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(res.List[0].TotalAvailableBalance)
}

func (a *Adapter) Equity(ctx context.Context) (decimal.Decimal, error) {
	res, err := a.wallet(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(res.List[0].TotalEquity)
}

type orderbookResult struct {
	B [][]string `json:"b"`
	A [][]string `json:"a"`
}

func (a *Adapter) OrderBook(ctx context.Context, symbol string) (model.OrderBook, error) {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return model.OrderBook{}, err
	}
	var res orderbookResult
	err = a.get(ctx, "/v5/market/orderbook", url.Values{
		"category": {"linear"}, "symbol": {sym}, "limit": {"50"},
	}, false, &res)
	if err != nil {
		return model.OrderBook{}, err
	}
	return model.OrderBook{Bids: parseLevels(res.B), Asks: parseLevels(res.A)}, nil
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
	bybitSide := "Buy"
	if side == model.SideSell {
		bybitSide = "Sell"
	}
	body := map[string]string{
		"category":  "linear",
		"symbol":    sym,
		"side":      bybitSide,
		"orderType": "Market",
		"qty":       size.Abs().String(),
	}
	return a.post(ctx, "/v5/order/create", body, nil)
}

func (a *Adapter) CancelAll(ctx context.Context, symbol string) error {
	sym, err := a.mapSymbol(symbol)
	if err != nil {
		return err
	}
	body := map[string]string{"category": "linear", "symbol": sym}
	return a.post(ctx, "/v5/order/cancel-all", body, nil)
}

func (a *Adapter) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	return a.call(ctx, http.MethodGet, path, params.Encode(), signed, out)
}

func (a *Adapter) post(ctx context.Context, path string, body map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.New(apperrors.ErrVenueError, "encode body", err).ForVenue(a.id)
	}
	return a.call(ctx, http.MethodPost, path, string(payload), true, out)
}

// call signs and executes one request. For GET, payload is the raw query
// string; for POST it is the JSON body.
func (a *Adapter) call(ctx context.Context, method, path, payload string, signed bool, out any) error {
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

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path+"?"+payload, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewBufferString(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return apperrors.New(apperrors.ErrVenueError, "build request", err).ForVenue(a.id)
	}

	if signed {
		const recvWindow = "5000"
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(a.apiSecret))
		mac.Write([]byte(ts + a.apiKey + recvWindow + payload))
		req.Header.Set("X-BAPI-API-KEY", a.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrVenueUnavailable, "bybit request failed", err).ForVenue(a.id)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.New(apperrors.ErrVenueUnavailable, "bybit read body", err).ForVenue(a.id)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return apperrors.Newf(apperrors.ErrRateLimited, "bybit http %d", resp.StatusCode).ForVenue(a.id)
	}
	if resp.StatusCode >= 500 {
		return apperrors.Newf(apperrors.ErrVenueUnavailable, "bybit http %d", resp.StatusCode).ForVenue(a.id)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.New(apperrors.ErrVenueError, "bybit decode envelope", err).ForVenue(a.id)
	}
	if env.RetCode != 0 {
		return a.classify(env.RetCode, env.RetMsg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return apperrors.New(apperrors.ErrVenueError, "bybit decode result", err).ForVenue(a.id)
		}
	}
	return nil
}

// classify maps v5 retCodes onto the shared taxonomy.
func (a *Adapter) classify(code int, msg string) error {
	full := fmt.Sprintf("bybit retCode %d: %s", code, msg)
	switch code {
	case 10006, 10018: // too many visits / IP rate limit
		return apperrors.Newf(apperrors.ErrRateLimited, "%s", full).ForVenue(a.id)
	case 110007, 110012, 110045: // insufficient available balance / margin
		return apperrors.Newf(apperrors.ErrInsufficientMargin, "%s", full).ForVenue(a.id)
	case 10001:
		if strings.Contains(strings.ToLower(msg), "symbol") {
			return apperrors.Newf(apperrors.ErrUnknownSymbol, "%s", full).ForVenue(a.id)
		}
		return apperrors.Newf(apperrors.ErrVenueError, "%s", full).ForVenue(a.id)
	default:
		return apperrors.Newf(apperrors.ErrVenueError, "%s", full).ForVenue(a.id)
	}
}
