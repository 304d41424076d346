package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketstream/internal/model"
)

func testKey() model.StreamKey {
	return model.StreamKey{Symbol: "BTCUSDT", Interval: "1m"}
}

func Test_SubscribeFrame(t *testing.T) {
	b := NewBinance(nil)

	frame, err := b.SubscribeFrame(testKey(), model.StreamKey{Symbol: "ETHUSDT", Interval: "4h"})
	require.NoError(t, err)

	var d directive
	require.NoError(t, json.Unmarshal(frame, &d))
	assert.Equal(t, "SUBSCRIBE", d.Method)
	assert.Equal(t, []string{"btcusdt@kline_1m", "ethusdt@kline_4h"}, d.Params)
	assert.NotZero(t, d.ID)
}

func Test_UnsubscribeFrame(t *testing.T) {
	b := NewBinance(nil)

	frame, err := b.UnsubscribeFrame(testKey())
	require.NoError(t, err)

	var d directive
	require.NoError(t, json.Unmarshal(frame, &d))
	assert.Equal(t, "UNSUBSCRIBE", d.Method)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, d.Params)
}

func Test_Frame_IDsIncrease(t *testing.T) {
	b := NewBinance(nil)

	f1, err := b.SubscribeFrame(testKey())
	require.NoError(t, err)
	f2, err := b.UnsubscribeFrame(testKey())
	require.NoError(t, err)

	var d1, d2 directive
	require.NoError(t, json.Unmarshal(f1, &d1))
	require.NoError(t, json.Unmarshal(f2, &d2))
	assert.Greater(t, d2.ID, d1.ID)
}

func Test_SubscribeFrame_NoKeys(t *testing.T) {
	b := NewBinance(nil)

	_, err := b.SubscribeFrame()
	assert.Error(t, err)
}

const klinePayload = `{
	"e": "kline",
	"s": "BTCUSDT",
	"k": {
		"t": 1721221620000,
		"i": "1m",
		"o": "50000.10",
		"h": "50010.00",
		"l": "49990.00",
		"c": "50005.50",
		"v": "12.345",
		"x": true
	}
}`

func Test_ParseUpdate(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		expectNil  bool
		expectErr  bool
		expectShut func(t *testing.T, u *model.StreamUpdate)
	}{
		{
			name: "combined stream kline frame",
			raw:  `{"stream":"btcusdt@kline_1m","data":` + klinePayload + `}`,
			expectShut: func(t *testing.T, u *model.StreamUpdate) {
				assert.Equal(t, model.StreamKey{Symbol: "BTCUSDT", Interval: "1m"}, u.Key)
				assert.Equal(t, time.UnixMilli(1721221620000).UTC(), u.Candle.WindowStart)
				assert.True(t, u.Candle.Close.Equal(decimal.RequireFromString("50005.50")))
				assert.True(t, u.Candle.Volume.Equal(decimal.RequireFromString("12.345")))
				assert.True(t, u.Candle.IsFinal)
			},
		},
		{
			name: "bare kline frame",
			raw:  klinePayload,
			expectShut: func(t *testing.T, u *model.StreamUpdate) {
				assert.Equal(t, "BTCUSDT", u.Key.Symbol)
			},
		},
		{
			name:      "directive ack is ignored",
			raw:       `{"result":null,"id":7}`,
			expectNil: true,
		},
		{
			name:      "unrecognized event type is ignored",
			raw:       `{"e":"aggTrade","s":"BTCUSDT"}`,
			expectNil: true,
		},
		{
			name:      "malformed json errors",
			raw:       `{"e":"kline","s":`,
			expectErr: true,
		},
		{
			name:      "missing price fields fail validation",
			raw:       `{"e":"kline","s":"BTCUSDT","k":{"t":1721221620000,"i":"1m","o":"1","h":"1","l":"1","c":"","v":"0"}}`,
			expectErr: true,
		},
		{
			name:      "non-numeric price fails validation",
			raw:       `{"e":"kline","s":"BTCUSDT","k":{"t":1721221620000,"i":"1m","o":"abc","h":"1","l":"1","c":"1","v":"0"}}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBinance(nil)

			u, err := b.ParseUpdate([]byte(tt.raw))

			if tt.expectErr {
				assert.Error(t, err)
				assert.Nil(t, u)
				return
			}
			require.NoError(t, err)
			if tt.expectNil {
				assert.Nil(t, u)
				return
			}
			require.NotNil(t, u)
			if tt.expectShut != nil {
				tt.expectShut(t, u)
			}
		})
	}
}

func Test_Fetch(t *testing.T) {
	var gotPath string
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = map[string]string{
			"symbol":   r.URL.Query().Get("symbol"),
			"interval": r.URL.Query().Get("interval"),
			"limit":    r.URL.Query().Get("limit"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			[1721221560000,"50000","50010","49990","50005","12.3",1721221619999,"0",0,"0","0","0"],
			[1721221620000,"50005","50020","50000","50018","8.1",1721221679999,"0",0,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	b := NewBinance(&Config{RESTBaseURL: srv.URL})

	candles, err := b.Fetch(context.Background(), "btcusdt", "1m", 2)
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/klines", gotPath)
	assert.Equal(t, "BTCUSDT", gotQuery["symbol"], "symbol is upper-cased on the wire")
	assert.Equal(t, "1m", gotQuery["interval"])
	assert.Equal(t, "2", gotQuery["limit"])

	require.Len(t, candles, 2)
	assert.Equal(t, time.UnixMilli(1721221560000).UTC(), candles[0].WindowStart)
	assert.True(t, candles[0].WindowStart.Before(candles[1].WindowStart), "candles ascend by time")
	assert.True(t, candles[1].Close.Equal(decimal.RequireFromString("50018")))
	assert.False(t, candles[0].IsFinal, "historical rows carry no finality; callers decide")
}

func Test_Fetch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"not":"an array"}`))
			},
		},
		{
			name: "short kline row",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`[[1721221560000,"1","1"]]`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			b := NewBinance(&Config{RESTBaseURL: srv.URL})

			_, err := b.Fetch(context.Background(), "BTCUSDT", "1m", 3)
			assert.Error(t, err)
		})
	}
}

func Test_Fetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := NewBinance(&Config{RESTBaseURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Fetch(ctx, "BTCUSDT", "1m", 3)
	assert.Error(t, err)
}
