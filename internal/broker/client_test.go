package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"stockbot/internal/config"
	"stockbot/pkg/types"
)

// writeJSON encodes v with the JSON content type; without the header
// the client's typed unmarshal never runs.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// brokerServer fakes the token endpoint plus whatever API handler the
// test installs.
func brokerServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": "tok", "expires_in": 86400})
	})
	mux.HandleFunc("/", handler)
	return httptest.NewServer(mux)
}

func testClient(t *testing.T, srv *httptest.Server, dryRun bool) *Client {
	t.Helper()
	cfg := config.Config{
		DryRun: dryRun,
		Broker: config.BrokerConfig{
			BaseURL:           srv.URL,
			AppKey:            "app-key",
			AppSecret:         "app-secret",
			AccountNo:         "12345678-01",
			TokenCachePath:    filepath.Join(t.TempDir(), "token_info.json"),
			RequestsPerSecond: 100,
		},
	}
	return NewClient(cfg, testLogger())
}

func TestSplitAccount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in         string
		cano, prdt string
	}{
		{"12345678-01", "12345678", "01"},
		{"1234567801", "12345678", "01"},
		{"12345678", "12345678", "01"},
	}
	for _, tc := range cases {
		cano, prdt := splitAccount(tc.in)
		if cano != tc.cano || prdt != tc.prdt {
			t.Errorf("splitAccount(%q) = (%q, %q), want (%q, %q)", tc.in, cano, prdt, tc.cano, tc.prdt)
		}
	}
}

func TestHashKeyDeterministic(t *testing.T) {
	t.Parallel()

	body := []byte(`{"CANO":"12345678","PDNO":"005930"}`)
	a, b := hashKey(body), hashKey(body)
	if a != b {
		t.Error("hashkey must be deterministic for identical payloads")
	}
	if len(a) != 64 {
		t.Errorf("hashkey length = %d, want 64 hex chars", len(a))
	}
	if a == hashKey([]byte(`{}`)) {
		t.Error("different payloads must hash differently")
	}
}

func TestClassifyEmpty(t *testing.T) {
	t.Parallel()

	closed := &envelope{Msg1: "장운영일이 아닙니다."}
	if err := closed.classifyEmpty(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("market-closed message = %v, want ErrUnavailable", err)
	}
	empty := &envelope{Msg1: "정상처리 되었습니다."}
	if err := empty.classifyEmpty(); !errors.Is(err, ErrEmpty) {
		t.Errorf("plain empty = %v, want ErrEmpty", err)
	}
	noData := &envelope{Msg1: "조회할 자료가 없습니다."}
	if err := noData.classifyEmpty(); !errors.Is(err, ErrEmpty) {
		t.Errorf("no-data message = %v, want ErrEmpty (nothing matched, venue is up)", err)
	}
}

func TestCurrentPrice(t *testing.T) {
	t.Parallel()

	srv := brokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "inquire-price") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("tr_id"); got != "FHKST01010100" {
			t.Errorf("tr_id = %q", got)
		}
		if got := r.Header.Get("authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("custtype"); got != "P" {
			t.Errorf("custtype = %q", got)
		}
		writeJSON(w, map[string]any{
			"rt_cd": "0",
			"output": map[string]string{
				"stck_prpr": "71500",
				"stck_oprc": "70100",
				"stck_hgpr": "71600",
				"stck_lwpr": "70000",
				"stck_sdpr": "70000",
				"acml_vol":  "12345678",
			},
		})
	})
	defer srv.Close()

	quote, err := testClient(t, srv, false).CurrentPrice(context.Background(), "005930")
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if quote.Last != 71500 || quote.PrevClose != 70000 || quote.Volume != 12345678 {
		t.Errorf("quote = %+v", quote)
	}
	if quote.Source != "rest" {
		t.Errorf("source = %q", quote.Source)
	}
}

func TestPlaceOrderSetsHashkey(t *testing.T) {
	t.Parallel()

	srv := brokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "order-cash") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("hashkey") == "" {
			t.Error("mutating call must carry a hashkey header")
		}
		if got := r.Header.Get("tr_id"); got != "TTTC0802U" {
			t.Errorf("tr_id = %q, want live buy", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["CANO"] != "12345678" || body["ACNT_PRDT_CD"] != "01" {
			t.Errorf("account split = %q/%q", body["CANO"], body["ACNT_PRDT_CD"])
		}
		if body["ORD_DVSN"] != "00" || body["ORD_UNPR"] != "20020" {
			t.Errorf("order fields = %v", body)
		}
		writeJSON(w, map[string]any{
			"rt_cd":  "0",
			"output": map[string]string{"ODNO": "0000117057"},
		})
	})
	defer srv.Close()

	ack, err := testClient(t, srv, false).PlaceOrder(context.Background(), "005930", types.BUY, 37, 20020)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if ack.OrderID != "0000117057" {
		t.Errorf("order id = %q", ack.OrderID)
	}
}

func TestPlaceOrderDryRun(t *testing.T) {
	t.Parallel()

	srv := brokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run must not reach the broker")
	})
	defer srv.Close()

	ack, err := testClient(t, srv, true).PlaceOrder(context.Background(), "005930", types.BUY, 10, 50000)
	if err != nil {
		t.Fatalf("dry-run order: %v", err)
	}
	if !strings.HasPrefix(ack.OrderID, "dry-run-") {
		t.Errorf("order id = %q, want dry-run marker", ack.OrderID)
	}
}

func TestOrderReject(t *testing.T) {
	t.Parallel()

	srv := brokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"rt_cd":  "7",
			"msg_cd": "APBK0918",
			"msg1":   "주문가능금액을 초과했습니다",
		})
	})
	defer srv.Close()

	_, err := testClient(t, srv, false).PlaceOrder(context.Background(), "005930", types.BUY, 10000, 50000)
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("error = %v (%T), want *RejectError", err, err)
	}
	if reject.Code != "APBK0918" {
		t.Errorf("reject code = %q", reject.Code)
	}
}

func TestAuthRetryOn401(t *testing.T) {
	t.Parallel()

	attempt := 0
	srv := brokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"rt_cd":  "0",
			"output": map[string]string{"stck_prpr": "100"},
		})
	})
	defer srv.Close()

	quote, err := testClient(t, srv, false).CurrentPrice(context.Background(), "005930")
	if err != nil {
		t.Fatalf("expected one auth retry to succeed, got %v", err)
	}
	if quote.Last != 100 {
		t.Errorf("quote = %+v", quote)
	}
	if attempt != 2 {
		t.Errorf("attempts = %d, want 2 (401 then retry)", attempt)
	}
}

func TestRankingParsesRows(t *testing.T) {
	t.Parallel()

	srv := brokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"rt_cd": "0",
			"output": []map[string]string{
				{
					"mksc_shrn_iscd": "005930",
					"hts_kor_isnm":   "삼성전자",
					"stck_prpr":      "71500",
					"prdy_ctrt":      "2.14",
					"acml_vol":       "12345678",
					"vol_inrt":       "350.5",
				},
				{"hts_kor_isnm": "no symbol row"},
			},
		})
	})
	defer srv.Close()

	rows, err := testClient(t, srv, false).VolumeRanking(context.Background())
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want symbol-less row skipped", len(rows))
	}
	if rows[0].Symbol != "005930" || rows[0].VolumeRatio != 350.5 {
		t.Errorf("row = %+v", rows[0])
	}
}
