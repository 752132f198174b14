package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"krakenbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(baseURL string) *Client {
	return NewClient(config.APIConfig{
		RESTBaseURL: baseURL,
		// base64 of an arbitrary key
		Secret: "c2VjcmV0LWtleS1mb3ItdGVzdHM=",
		Key:    "test-key",
	}, testLogger())
}

func TestOHLCParsesAndSorts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/0/public/OHLC" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"error":[],"result":{"XDGUSD":[
			[1700000060,"0.081","0.082","0.080","0.0815","0.0812","1500.5",12],
			[1700000000,"0.080","0.081","0.079","0.0810","0.0805","1200.0",10]
		],"last":1700000060}}`)
	}))
	defer srv.Close()

	candles, err := testClient(srv.URL).OHLC(context.Background(), "XDGUSD", 1, 0)
	if err != nil {
		t.Fatalf("OHLC: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	if candles[0].Time != 1700000000 || candles[1].Time != 1700000060 {
		t.Errorf("candles not sorted ascending: %v", candles)
	}
	if candles[1].Close != 0.0815 || candles[1].Volume != 1500.5 {
		t.Errorf("bad parse: %+v", candles[1])
	}
}

func TestHistoricalOHLCTrims(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := ""
		for i := 0; i < 10; i++ {
			if i > 0 {
				rows += ","
			}
			rows += fmt.Sprintf(`[%d,"1","1","1","1","1","1",1]`, 1700000000+60*i)
		}
		fmt.Fprintf(w, `{"error":[],"result":{"XDGUSD":[%s],"last":0}}`, rows)
	}))
	defer srv.Close()

	candles, err := testClient(srv.URL).HistoricalOHLC(context.Background(), "XDGUSD", 1, 3)
	if err != nil {
		t.Fatalf("HistoricalOHLC: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("got %d candles, want 3", len(candles))
	}
	if candles[0].Time != 1700000000+60*7 {
		t.Errorf("trim kept wrong rows: first=%d", candles[0].Time)
	}
}

func TestExchangeErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"error":["EGeneral:Invalid arguments"],"result":null}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Ticker(context.Background(), "NOPE")
	ee, ok := IsExchangeError(err)
	if !ok {
		t.Fatalf("want ExchangeError, got %v", err)
	}
	if ee.Message != "EGeneral:Invalid arguments" {
		t.Errorf("message = %q", ee.Message)
	}
	if hits.Load() != 1 {
		t.Errorf("exchange error retried: %d hits", hits.Load())
	}
}

func TestTransportErrorRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"error":[],"result":{"unixtime":1700000000}}`)
	}))
	defer srv.Close()

	ts, err := testClient(srv.URL).Time(context.Background())
	if err != nil {
		t.Fatalf("Time after retries: %v", err)
	}
	if ts != 1700000000 {
		t.Errorf("ts = %d", ts)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestOpenOrdersNonceRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("API-Key") != "test-key" || r.Header.Get("API-Sign") == "" {
			t.Error("missing auth headers on private call")
		}
		if hits.Add(1) < 3 {
			fmt.Fprint(w, `{"error":["EAPI:Invalid nonce"],"result":null}`)
			return
		}
		fmt.Fprint(w, `{"error":[],"result":{"open":{
			"TX1":{"status":"open","descr":{"pair":"XDGUSD","type":"buy","ordertype":"limit","price":"0.08"},"vol":"100","vol_exec":"0"}
		}}}`)
	}))
	defer srv.Close()

	orders, err := testClient(srv.URL).OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].TxID != "TX1" || orders[0].Price != 0.08 {
		t.Errorf("bad orders: %+v", orders)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestOpenOrdersNonceRetryExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"error":["EAPI:Invalid nonce"],"result":null}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).OpenOrders(context.Background())
	if _, ok := IsExchangeError(err); !ok {
		t.Fatalf("want ExchangeError, got %v", err)
	}
	if hits.Load() != int32(openOrdersMaxAttempts) {
		t.Errorf("hits = %d, want %d", hits.Load(), openOrdersMaxAttempts)
	}
}

func TestWebSocketTokenCached(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"error":[],"result":{"token":"tok-1","expires":900}}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	for i := 0; i < 3; i++ {
		tok, err := c.WebSocketToken(context.Background())
		if err != nil {
			t.Fatalf("WebSocketToken: %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("token = %q", tok)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("token not cached: %d hits", hits.Load())
	}

	c.InvalidateToken()
	if _, err := c.WebSocketToken(context.Background()); err != nil {
		t.Fatalf("WebSocketToken after invalidate: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("invalidate did not refetch: %d hits", hits.Load())
	}
}

func TestAddOrderSendsStringFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("volume") != "123.45600000" || r.PostForm.Get("price") != "0.08150" {
			t.Errorf("numeric fields not transmitted as strings: %v", r.PostForm)
		}
		if r.PostForm.Get("nonce") == "" {
			t.Error("missing nonce")
		}
		fmt.Fprint(w, `{"error":[],"result":{"txid":["TXABC"],"descr":{"order":"buy 123.456 XDGUSD @ limit 0.0815"}}}`)
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).AddOrder(context.Background(), OrderRequest{
		Pair:      "XDGUSD",
		Side:      "buy",
		OrderType: "limit",
		Volume:    "123.45600000",
		Price:     "0.08150",
	})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if len(res.TxIDs) != 1 || res.TxIDs[0] != "TXABC" {
		t.Errorf("bad result: %+v", res)
	}
}

func TestAssetPairsMetadata(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"XDGUSD":{
			"altname":"XDGUSD","wsname":"XDG/USD","base":"XXDG","quote":"ZUSD",
			"pair_decimals":7,"lot_decimals":8,"ordermin":"20","costmin":"0.5"
		}}}`)
	}))
	defer srv.Close()

	meta, err := testClient(srv.URL).AssetPairs(context.Background(), "XDGUSD")
	if err != nil {
		t.Fatalf("AssetPairs: %v", err)
	}
	if meta.PriceDecimals != 7 || meta.VolumeDecimals != 8 || meta.MinOrderVolume != 20 {
		t.Errorf("bad metadata: %+v", meta)
	}
	if meta.WSName != "XDG/USD" {
		t.Errorf("wsname = %q", meta.WSName)
	}
}

func TestBalanceParses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"ZUSD":"1000.0000","XXDG":"0.00000000"}}`)
	}))
	defer srv.Close()

	bal, err := testClient(srv.URL).Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal["ZUSD"] != 1000 || bal["XXDG"] != 0 {
		t.Errorf("bad balances: %v", bal)
	}
}

// Guard against accidental envelope changes.
func TestAPIResponseShape(t *testing.T) {
	t.Parallel()

	var env apiResponse
	if err := json.Unmarshal([]byte(`{"error":["boom"],"result":{"x":1}}`), &env); err != nil {
		t.Fatal(err)
	}
	if len(env.Error) != 1 || env.Error[0] != "boom" {
		t.Errorf("envelope error = %v", env.Error)
	}
}
