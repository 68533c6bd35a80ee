package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/ivochat/internal/auth"
	"github.com/suPer8Hu/ivochat/internal/chat"
	"github.com/suPer8Hu/ivochat/internal/directory"
	"github.com/suPer8Hu/ivochat/internal/gateway"
	"github.com/suPer8Hu/ivochat/internal/group"
	"github.com/suPer8Hu/ivochat/internal/httpapi/handlers"
	"github.com/suPer8Hu/ivochat/internal/metrics"
	"github.com/suPer8Hu/ivochat/internal/store/redisstore"
)

const (
	secret = "test-secret"
	room   = "0b7a4f3e-2d1c-4c8e-9a55-1f2e3d4c5b6a"
)

type noIdentities struct{}

func (noIdentities) Resolve(context.Context, string) (*directory.Identity, error) {
	return nil, directory.ErrIdentityNotFound
}

type testEnv struct {
	layer  *group.Memory
	router *gin.Engine
	relay  *chat.Relay
	mr     *miniredis.Miniredis
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb, redisstore.WithRetryMaxElapsed(0))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	layer := group.NewMemory(nil)
	relay := chat.NewRelay(store, layer, chat.RelayConfig{HistoryTTL: time.Hour, Observer: collector}, nil)
	presence := chat.NewPresenceRegistry(store, nil)
	gw := gateway.New(layer, presence, relay, noIdentities{}, collector, gateway.Options{}, nil)

	router := NewRouter(Deps{
		JWTSecret: secret,
		Handler: handlers.NewHandler(chat.NewHistoryService(relay, nil),
			map[string]handlers.Pinger{"redis": store, "group": layer}, nil),
		Gateway: gw,
		Metrics: metrics.Handler(reg),
	})

	tok, err := auth.SignJWT("user-1", secret, time.Hour)
	require.NoError(t, err)
	return &testEnv{layer: layer, router: router, relay: relay, mr: mr, token: tok}
}

func (e *testEnv) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHistory_GetEmptyThenStored(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/chat-history/"+room+"/", e.token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	for _, m := range []string{`{"message":"a"}`, `{"message":"b","type":"file","url":"x"}`} {
		msg, err := chat.ParseMessage([]byte(m))
		require.NoError(t, err)
		e.relay.Publish(context.Background(), room, msg)
	}

	rec = e.do(http.MethodGet, "/chat-history/"+room+"/", e.token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"message":"a"},{"message":"b","type":"file","url":"x"}]`, rec.Body.String())
}

func TestHistory_Delete(t *testing.T) {
	e := newTestEnv(t)
	msg, err := chat.ParseMessage([]byte(`{"message":"a"}`))
	require.NoError(t, err)
	e.relay.Publish(context.Background(), room, msg)

	rec := e.do(http.MethodDelete, "/chat-history/"+room+"/", e.token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{}`, rec.Body.String())

	rec = e.do(http.MethodGet, "/chat-history/"+room+"/", e.token)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestHistory_ExpiredIsEmpty(t *testing.T) {
	e := newTestEnv(t)
	msg, err := chat.ParseMessage([]byte(`{"message":"a"}`))
	require.NoError(t, err)
	e.relay.Publish(context.Background(), room, msg)

	e.mr.FastForward(2 * time.Hour)
	rec := e.do(http.MethodGet, "/chat-history/"+room+"/", e.token)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestHistory_RequiresToken(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/chat-history/"+room+"/", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodDelete, "/chat-history/"+room+"/", "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 40102, body["code"])
}

func TestHistory_StoreDown(t *testing.T) {
	e := newTestEnv(t)
	e.mr.SetError("ERR down")

	rec := e.do(http.MethodGet, "/chat-history/"+room+"/", e.token)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = e.do(http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_PingMetricsAndFallbacks(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = e.do(http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/chat-history/"+room+"/", e.token)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	msg, err := chat.ParseMessage([]byte(`{"message":"a"}`))
	require.NoError(t, err)
	e.relay.Publish(context.Background(), room, msg)
	rec = e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ivochat_chat_messages_relayed_total 1")
}

func TestRouter_WebsocketRoutes(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, resp, err := websocket.DefaultDialer.Dial(base+"/chat/"+room+"/?uuid="+room, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message":"over the wire"}`)))
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"message":"over the wire"}`, string(data))

	_, resp, err = websocket.DefaultDialer.Dial(base+"/chat/not-a-uuid/", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRouter_PingFailsWhenGroupLayerDown(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.layer.Close())

	rec := e.do(http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "group unavailable")
}
