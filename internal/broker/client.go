// Package broker implements the KIS (Korea Investment & Securities) REST
// and WebSocket clients.
//
// The REST client (Client) covers everything the bot needs over HTTPS:
//   - CurrentPrice / Orderbook:     quote and depth snapshots
//   - PlaceOrder / CancelOrder:     cash orders with hashkey signing
//   - Balance / BuyPower:           account state and sizing inputs
//   - DailyBars / IntradayBars:     bar history for indicators
//   - VolumeRanking / ChangeRanking / BidAskRanking / DisparityRanking:
//     market screens backing candidate discovery
//   - ApprovalKey:                  WebSocket handshake credential
//
// Every request passes the process-wide 20 req/s token bucket, is retried
// with exponential backoff on 429/5xx, and runs inside a circuit breaker
// that converts repeated transport failures into ErrUnavailable without
// hammering the broker.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"stockbot/internal/config"
	"stockbot/pkg/types"
)

// Client is the KIS REST API client.
type Client struct {
	http    *resty.Client
	tokens  *TokenSource
	rl      *TokenBucket
	breaker *gobreaker.CircuitBreaker
	cfg     config.BrokerConfig
	dryRun  bool
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting, retry, and a
// transport circuit breaker.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Broker.BaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kis-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:    httpClient,
		tokens:  NewTokenSource(httpClient, cfg.Broker.AppKey, cfg.Broker.AppSecret, cfg.Broker.TokenCachePath, logger),
		rl:      NewRateLimiter(cfg.Broker.RequestsPerSecond),
		breaker: breaker,
		cfg:     cfg.Broker,
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "broker"),
	}
}

// Tokens exposes the token source (used by tests and the WS layer).
func (c *Client) Tokens() *TokenSource { return c.tokens }

// envelope is the KIS response wrapper. rt_cd "0" is success, "1" is a
// warning (still usable), anything else is an error.
type envelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// marketClosedPhrases mark empty bodies caused by the market being shut
// rather than by nothing matching the query. "No data found" messages
// stay ErrEmpty: for rankings and bars they mean the query matched
// nothing, not that the venue is down.
var marketClosedPhrases = []string{
	"장운영일이 아닙니다",
	"장시작전",
	"장종료",
	"시장 마감",
}

func (e *envelope) classifyEmpty() error {
	for _, phrase := range marketClosedPhrases {
		if strings.Contains(e.Msg1, phrase) {
			return ErrUnavailable
		}
	}
	return ErrEmpty
}

// call performs one authenticated request. Mutating calls set body and
// get a hashkey header; read calls pass query params.
func (c *Client) call(ctx context.Context, method, path, trID string, query map[string]string, body any) (*envelope, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, method, path, trID, query, body, true)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("circuit open: %w", ErrUnavailable)
		}
		return nil, err
	}
	return result.(*envelope), nil
}

func (c *Client) doRequest(ctx context.Context, method, path, trID string, query map[string]string, body any, retryAuth bool) (*envelope, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.cfg.AppKey).
		SetHeader("appsecret", c.cfg.AppSecret).
		SetHeader("tr_id", trID).
		SetHeader("custtype", "P")

	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req.SetHeader("hashkey", hashKey(raw))
		req.SetBody(json.RawMessage(raw))
	}

	var resp *resty.Response
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnavailable)
	}

	switch {
	case resp.StatusCode() == 429:
		return nil, ErrRateLimited
	case resp.StatusCode() >= 500:
		return nil, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode(), ErrUnavailable)
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		if retryAuth {
			// Force one token refresh, then retry the call once.
			c.tokens.Invalidate()
			return c.doRequest(ctx, method, path, trID, query, body, false)
		}
		return nil, &AuthError{Msg: fmt.Sprintf("status %d: %s", resp.StatusCode(), snippet(resp.Body()))}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &InvalidResponseError{Snippet: snippet(resp.Body())}
	}
	if env.RtCd != "0" && env.RtCd != "1" {
		return nil, &RejectError{Code: env.MsgCd, Msg: env.Msg1}
	}
	return &env, nil
}

// hashKey is the SHA-256 hex digest over the serialized JSON body,
// required on every mutating call. It is deterministic for identical
// payloads, so retries reuse the same header value.
func hashKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func snippet(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// ---- quotes ----

const (
	marketDivCode = "J" // KRX equities
)

// CurrentPrice fetches the live quote for a symbol.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (*types.Quote, error) {
	env, err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketDivCode,
		"FID_INPUT_ISCD":         symbol,
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Output) == 0 || string(env.Output) == "[]" || string(env.Output) == "{}" {
		return nil, env.classifyEmpty()
	}

	var out struct {
		Last      string `json:"stck_prpr"`
		Open      string `json:"stck_oprc"`
		High      string `json:"stck_hgpr"`
		Low       string `json:"stck_lwpr"`
		PrevClose string `json:"stck_sdpr"`
		Volume    string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, &InvalidResponseError{Snippet: snippet(env.Output)}
	}

	return &types.Quote{
		Symbol:    symbol,
		Last:      atof(out.Last),
		Open:      atof(out.Open),
		High:      atof(out.High),
		Low:       atof(out.Low),
		PrevClose: atof(out.PrevClose),
		Volume:    atoi(out.Volume),
		Ts:        time.Now(),
		Source:    "rest",
	}, nil
}

// Orderbook fetches the 10-level depth for a symbol. Levels beyond what
// the broker returns stay zero-padded.
func (c *Client) Orderbook(ctx context.Context, symbol string) (*types.Orderbook, error) {
	env, err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn", "FHKST01010200", map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketDivCode,
		"FID_INPUT_ISCD":         symbol,
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Output1) == 0 {
		return nil, env.classifyEmpty()
	}

	raw := map[string]string{}
	if err := json.Unmarshal(env.Output1, &raw); err != nil {
		return nil, &InvalidResponseError{Snippet: snippet(env.Output1)}
	}

	book := &types.Orderbook{Symbol: symbol, Ts: time.Now()}
	for i := 0; i < types.BookDepth; i++ {
		n := strconv.Itoa(i + 1)
		book.Asks[i] = types.BookLevel{Price: atof(raw["askp"+n]), Qty: atoi(raw["askp_rsqn"+n])}
		book.Bids[i] = types.BookLevel{Price: atof(raw["bidp"+n]), Qty: atoi(raw["bidp_rsqn"+n])}
	}
	book.TotalAskQty = atoi(raw["total_askp_rsqn"])
	book.TotalBidQty = atoi(raw["total_bidp_rsqn"])
	return book, nil
}

// ---- orders ----

// OrderAck is the broker's acknowledgement of a submitted order.
// OrderID may be empty when the broker accepted the order but returned no
// id; the caller then registers a temporary pending order.
type OrderAck struct {
	OrderID string
	Ts      time.Time
}

func (c *Client) orderTrID(side types.Side) string {
	switch {
	case side == types.BUY && c.cfg.Paper:
		return "VTTC0802U"
	case side == types.BUY:
		return "TTTC0802U"
	case c.cfg.Paper:
		return "VTTC0801U"
	default:
		return "TTTC0801U"
	}
}

// PlaceOrder submits a cash order. price == 0 means market; otherwise a
// limit at the given price.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side types.Side, qty int64, price float64) (*OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", symbol, "side", side, "qty", qty, "price", price)
		return &OrderAck{OrderID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano()), Ts: time.Now()}, nil
	}

	ordDvsn := "00" // limit
	unpr := strconv.FormatInt(int64(price), 10)
	if price == 0 {
		ordDvsn = "01" // market
		unpr = "0"
	}

	acct, prdt := splitAccount(c.cfg.AccountNo)
	body := map[string]string{
		"CANO":         acct,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     unpr,
	}

	env, err := c.call(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-cash", c.orderTrID(side), nil, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderID string `json:"ODNO"`
		OrdTime string `json:"ORD_TMD"`
	}
	if len(env.Output) > 0 {
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return nil, &InvalidResponseError{Snippet: snippet(env.Output)}
		}
	}
	return &OrderAck{OrderID: out.OrderID, Ts: time.Now()}, nil
}

// CancelOrder cancels (all remaining qty of) an outstanding order.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string, qty int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID, "symbol", symbol)
		return nil
	}

	trID := "TTTC0803U"
	if c.cfg.Paper {
		trID = "VTTC0803U"
	}
	acct, prdt := splitAccount(c.cfg.AccountNo)
	body := map[string]string{
		"CANO":              acct,
		"ACNT_PRDT_CD":      prdt,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":         orderID,
		"ORD_DVSN":          "00",
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":           strconv.FormatInt(qty, 10),
		"ORD_UNPR":          "0",
		"QTY_ALL_ORD_YN":    "Y",
	}

	_, err := c.call(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-rvsecncl", trID, nil, body)
	return err
}

// ---- account ----

// Holding is one position row from the balance inquiry.
type Holding struct {
	Symbol  string
	Name    string
	Qty     int64
	AvgCost float64
}

// Balance is the account's cash and holdings.
type Balance struct {
	Cash     float64
	Holdings []Holding
}

// GetBalance fetches available cash and current holdings.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	trID := "TTTC8434R"
	if c.cfg.Paper {
		trID = "VTTC8434R"
	}
	acct, prdt := splitAccount(c.cfg.AccountNo)
	env, err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-balance", trID, map[string]string{
		"CANO":                 acct,
		"ACNT_PRDT_CD":         prdt,
		"AFHR_FLPR_YN":         "N",
		"OFL_YN":               "",
		"INQR_DVSN":            "02",
		"UNPR_DVSN":            "01",
		"FUND_STTL_ICLD_YN":    "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":            "00",
		"CTX_AREA_FK100":       "",
		"CTX_AREA_NK100":       "",
	}, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol  string `json:"pdno"`
		Name    string `json:"prdt_name"`
		Qty     string `json:"hldg_qty"`
		AvgCost string `json:"pchs_avg_pric"`
	}
	if len(env.Output1) > 0 {
		if err := json.Unmarshal(env.Output1, &rows); err != nil {
			return nil, &InvalidResponseError{Snippet: snippet(env.Output1)}
		}
	}

	var summary []struct {
		Cash string `json:"dnca_tot_amt"`
	}
	if len(env.Output2) > 0 {
		if err := json.Unmarshal(env.Output2, &summary); err != nil {
			return nil, &InvalidResponseError{Snippet: snippet(env.Output2)}
		}
	}

	bal := &Balance{}
	if len(summary) > 0 {
		bal.Cash = atof(summary[0].Cash)
	}
	for _, r := range rows {
		qty := atoi(r.Qty)
		if qty == 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Symbol:  r.Symbol,
			Name:    r.Name,
			Qty:     qty,
			AvgCost: atof(r.AvgCost),
		})
	}
	return bal, nil
}

// BuyPower reports the maximum quantity purchasable at the given price.
type BuyPower struct {
	MaxQtyCash   int64 // without credit
	MaxQtyCredit int64 // including credit line
	Cash         float64
}

// GetBuyPower queries the order-possible amount for a symbol at a price.
func (c *Client) GetBuyPower(ctx context.Context, symbol string, price float64) (*BuyPower, error) {
	trID := "TTTC8908R"
	if c.cfg.Paper {
		trID = "VTTC8908R"
	}
	acct, prdt := splitAccount(c.cfg.AccountNo)
	env, err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-psbl-order", trID, map[string]string{
		"CANO":              acct,
		"ACNT_PRDT_CD":      prdt,
		"PDNO":              symbol,
		"ORD_UNPR":          strconv.FormatInt(int64(price), 10),
		"ORD_DVSN":          "00",
		"CMA_EVLU_AMT_ICLD_YN": "N",
		"OVRS_ICLD_YN":      "N",
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Output) == 0 {
		return nil, env.classifyEmpty()
	}

	var out struct {
		MaxQtyCash   string `json:"nrcvb_buy_qty"`
		MaxQtyCredit string `json:"max_buy_qty"`
		Cash         string `json:"ord_psbl_cash"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, &InvalidResponseError{Snippet: snippet(env.Output)}
	}
	return &BuyPower{
		MaxQtyCash:   atoi(out.MaxQtyCash),
		MaxQtyCredit: atoi(out.MaxQtyCredit),
		Cash:         atof(out.Cash),
	}, nil
}

// ---- bars ----

// DailyBars fetches daily OHLCV history. period is "D" (day), "W", or "M".
func (c *Client) DailyBars(ctx context.Context, symbol, period string) ([]types.Bar, error) {
	env, err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400", map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketDivCode,
		"FID_INPUT_ISCD":         symbol,
		"FID_PERIOD_DIV_CODE":    period,
		"FID_ORG_ADJ_PRC":        "0",
	}, nil)
	if err != nil {
		return nil, err
	}
	return parseBars(env, "stck_bsop_date")
}

// IntradayBars fetches minute bars at the given unit (e.g. "1", "5").
func (c *Client) IntradayBars(ctx context.Context, symbol, unit string) ([]types.Bar, error) {
	env, err := c.call(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice", "FHKST03010200", map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketDivCode,
		"FID_INPUT_ISCD":         symbol,
		"FID_INPUT_HOUR_1":       unit,
		"FID_PW_DATA_INCU_YN":    "N",
		"FID_ETC_CLS_CODE":       "",
	}, nil)
	if err != nil {
		return nil, err
	}
	return parseBars(env, "stck_cntg_hour")
}

func parseBars(env *envelope, dateField string) ([]types.Bar, error) {
	raw := env.Output
	if len(raw) == 0 {
		raw = env.Output2
	}
	if len(raw) == 0 || string(raw) == "[]" {
		return nil, env.classifyEmpty()
	}

	var rows []map[string]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &InvalidResponseError{Snippet: snippet(raw)}
	}

	bars := make([]types.Bar, 0, len(rows))
	for _, r := range rows {
		closePx := atof(r["stck_clpr"])
		if closePx == 0 {
			closePx = atof(r["stck_prpr"])
		}
		bars = append(bars, types.Bar{
			Date:   r[dateField],
			Open:   atof(r["stck_oprc"]),
			High:   atof(r["stck_hgpr"]),
			Low:    atof(r["stck_lwpr"]),
			Close:  closePx,
			Volume: atoi(r["acml_vol"]),
		})
	}
	return bars, nil
}

// ---- rankings ----

// RankingRow is one row of a market screen. VolumeRatio and Strength are
// zero for endpoints that do not report them.
type RankingRow struct {
	Symbol      string
	Name        string
	Price       float64
	ChangeRate  float64 // percent vs prev close
	Volume      int64
	VolumeRatio float64 // today's volume / average
	Strength    float64 // execution strength
}

func (c *Client) ranking(ctx context.Context, path, trID string, query map[string]string) ([]RankingRow, error) {
	env, err := c.call(ctx, "GET", path, trID, query, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Output) == 0 || string(env.Output) == "[]" {
		return nil, env.classifyEmpty()
	}

	var rows []map[string]string
	if err := json.Unmarshal(env.Output, &rows); err != nil {
		return nil, &InvalidResponseError{Snippet: snippet(env.Output)}
	}

	result := make([]RankingRow, 0, len(rows))
	for _, r := range rows {
		symbol := r["mksc_shrn_iscd"]
		if symbol == "" {
			symbol = r["stck_shrn_iscd"]
		}
		if symbol == "" {
			continue
		}
		result = append(result, RankingRow{
			Symbol:      symbol,
			Name:        r["hts_kor_isnm"],
			Price:       atof(r["stck_prpr"]),
			ChangeRate:  atof(r["prdy_ctrt"]),
			Volume:      atoi(r["acml_vol"]),
			VolumeRatio: atof(r["vol_inrt"]),
			Strength:    atof(r["tday_rltv"]),
		})
	}
	return result, nil
}

// VolumeRanking returns symbols ranked by traded volume.
func (c *Client) VolumeRanking(ctx context.Context) ([]RankingRow, error) {
	return c.ranking(ctx, "/uapi/domestic-stock/v1/quotations/volume-rank", "FHPST01710000", map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketDivCode,
		"FID_COND_SCR_DIV_CODE":  "20171",
		"FID_INPUT_ISCD":         "0000",
		"FID_DIV_CLS_CODE":       "0",
		"FID_BLNG_CLS_CODE":      "0",
		"FID_TRGT_CLS_CODE":      "111111111",
		"FID_TRGT_EXLS_CLS_CODE": "000000",
		"FID_INPUT_PRICE_1":      "",
		"FID_INPUT_PRICE_2":      "",
		"FID_VOL_CNT":            "",
		"FID_INPUT_DATE_1":       "",
	})
}

// ChangeRanking returns symbols ranked by percent change.
func (c *Client) ChangeRanking(ctx context.Context) ([]RankingRow, error) {
	return c.ranking(ctx, "/uapi/domestic-stock/v1/ranking/fluctuation", "FHPST01700000", map[string]string{
		"fid_cond_mrkt_div_code": marketDivCode,
		"fid_cond_scr_div_code":  "20170",
		"fid_input_iscd":         "0000",
		"fid_rank_sort_cls_code": "0",
		"fid_input_cnt_1":        "0",
		"fid_prc_cls_code":       "0",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_div_cls_code":       "0",
		"fid_rsfl_rate1":         "",
		"fid_rsfl_rate2":         "",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
	})
}

// BidAskRanking returns symbols ranked by quote-balance (bid/ask volume).
func (c *Client) BidAskRanking(ctx context.Context) ([]RankingRow, error) {
	return c.ranking(ctx, "/uapi/domestic-stock/v1/ranking/quote-balance", "FHPST01720000", map[string]string{
		"fid_cond_mrkt_div_code": marketDivCode,
		"fid_cond_scr_div_code":  "20172",
		"fid_input_iscd":         "0000",
		"fid_rank_sort_cls_code": "0",
		"fid_div_cls_code":       "0",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
	})
}

// DisparityRanking returns symbols ranked by price deviation from their
// moving average. When the endpoint yields nothing the disparity gate
// degrades to a no-op upstream.
func (c *Client) DisparityRanking(ctx context.Context) ([]RankingRow, error) {
	return c.ranking(ctx, "/uapi/domestic-stock/v1/ranking/disparity", "FHPST01780000", map[string]string{
		"fid_cond_mrkt_div_code": marketDivCode,
		"fid_cond_scr_div_code":  "20178",
		"fid_input_iscd":         "0000",
		"fid_rank_sort_cls_code": "0",
		"fid_div_cls_code":       "0",
		"fid_hour_cls_code":      "20",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
	})
}

// ---- websocket handshake ----

// ApprovalKey obtains the WebSocket approval key. Valid for 24 hours;
// the connection layer renews at the 23-hour mark.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"secretkey":  c.cfg.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key: %w", ErrUnavailable)
	}
	if resp.StatusCode() != 200 || result.ApprovalKey == "" {
		return "", &AuthError{Msg: fmt.Sprintf("approval key failed: status %d", resp.StatusCode())}
	}
	return result.ApprovalKey, nil
}

// ---- helpers ----

// splitAccount splits "12345678-01" into (CANO, ACNT_PRDT_CD).
func splitAccount(accountNo string) (string, string) {
	if i := strings.IndexByte(accountNo, '-'); i >= 0 {
		return accountNo[:i], accountNo[i+1:]
	}
	if len(accountNo) > 8 {
		return accountNo[:8], accountNo[8:]
	}
	return accountNo, "01"
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func atoi(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}
