package common_test

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/adpay-gateway/internal/common"
)

func TestHMACHexAndEqualHex(t *testing.T) {
	sig := common.HMACHex(sha256.New, []byte("key"), []byte("The quick brown fox jumps over the lazy dog"))
	require.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", sig)
	require.True(t, common.EqualHex(sig, " "+sig+" "))
	require.False(t, common.EqualHex(sig, sig[:len(sig)-1]+"0"))
	require.False(t, common.EqualHex(sig, "F"+sig[1:]))
	require.False(t, common.EqualHex("", ""))
}

func TestClientAddrHonoursForwardingOnlyWhenTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/yookassa", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 185.71.76.5")

	addr, ok := common.ClientAddr(req, false)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", addr.String())

	addr, ok = common.ClientAddr(req, true)
	require.True(t, ok)
	require.Equal(t, "185.71.76.5", addr.String())
}

func TestClientAddrIgnoresSpoofedLeftmostHop(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/yookassa", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	req.Header.Set("X-Forwarded-For", "185.71.76.5, 203.0.113.9")

	addr, ok := common.ClientAddr(req, true)
	require.True(t, ok)
	require.Equal(t, "203.0.113.9", addr.String())
	require.Equal(t, "203.0.113.9", common.ClientIP(req, true))
}

func TestClientAddrWalksPastTrustedProxies(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name   string
		remote string
		xff    []string
		want   string
		ok     bool
	}{
		{name: "single proxy", remote: "10.0.0.2:1", xff: []string{"185.71.76.5"}, want: "185.71.76.5", ok: true},
		{name: "proxy chain", remote: "10.0.0.2:1", xff: []string{"185.71.76.5, 10.1.1.1"}, want: "185.71.76.5", ok: true},
		{name: "spoofed left of client", remote: "10.0.0.2:1", xff: []string{"185.71.76.5, 203.0.113.9, 10.1.1.1"}, want: "203.0.113.9", ok: true},
		{name: "split headers", remote: "10.0.0.2:1", xff: []string{"185.71.76.5", "203.0.113.9"}, want: "203.0.113.9", ok: true},
		{name: "peer not a proxy", remote: "203.0.113.9:1", xff: []string{"185.71.76.5"}, want: "203.0.113.9", ok: true},
		{name: "no header", remote: "10.0.0.2:1", want: "10.0.0.2", ok: true},
		{name: "garbage hop", remote: "10.0.0.2:1", xff: []string{"185.71.76.5, not-an-ip"}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			addr, ok := common.ClientAddr(req, true, proxies...)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, addr.String())
			}
		})
	}
}

func TestWriteErrorUsesAppErrorStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	common.WriteError(rr, common.ErrNotFound("provider not found"))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.JSONEq(t, `{"error":{"code":"NOT_FOUND","message":"provider not found"}}`, rr.Body.String())

	rr = httptest.NewRecorder()
	common.WriteError(rr, http.ErrHandlerTimeout)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestIdemRejectsReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	calls := 0
	handler := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/yookassa/pay_1/cancel", nil)
		req.Header.Set("Idempotency-Key", "abc")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusConflict, send())
	require.Equal(t, 1, calls)
}
