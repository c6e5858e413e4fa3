package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xaenox/realty-agent/internal/apperr"
)

type recorded struct {
	path string
	key  string
	body sendTextRequest
	auth string
}

type providerStub struct {
	mu       sync.Mutex
	statuses []int
	calls    []recorded
}

func (p *providerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body sendTextRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	p.mu.Lock()
	p.calls = append(p.calls, recorded{path: r.URL.Path, key: r.Header.Get("Idempotency-Key"), body: body, auth: r.Header.Get("apikey")})
	status := http.StatusCreated
	if i := len(p.calls) - 1; i < len(p.statuses) {
		status = p.statuses[i]
	}
	p.mu.Unlock()

	w.WriteHeader(status)
}

type attemptSpy struct{ outcomes []string }

func (a *attemptSpy) RecordDeliveryAttempt(outcome string) { a.outcomes = append(a.outcomes, outcome) }

func newTestClient(url string, spy *attemptSpy) *Client {
	return NewClient(ClientConfig{BaseURL: url + "/", APIKey: "secret", MaxAttempts: 3, Backoff: time.Millisecond}, spy, nil)
}

func TestBuildFixesIdempotencyKey(t *testing.T) {
	msg, err := NewOutbound("sul-principal").To("5541999990000").Text("Olá").Build()
	require.NoError(t, err)
	require.NotEmpty(t, msg.IdempotencyKey)

	keyed, err := NewOutbound("sul-principal").To("5541999990000").Text("Olá").Key("3EB0A1").Build()
	require.NoError(t, err)
	require.Equal(t, "3EB0A1", keyed.IdempotencyKey)

	_, err = NewOutbound("sul-principal").Text("Olá").Build()
	require.Error(t, err)
	_, err = NewOutbound("").To("1").Text("Olá").Build()
	require.Error(t, err)
	_, err = NewOutbound("x").To("1").Text("  ").Build()
	require.Error(t, err)
}

func TestSendRetriesWithSameKey(t *testing.T) {
	stub := &providerStub{statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusCreated}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	spy := &attemptSpy{}

	msg, err := NewOutbound("sul principal").To("5541999990000").Text("Encontrei 2 casas").Build()
	require.NoError(t, err)
	require.NoError(t, newTestClient(srv.URL, spy).Send(context.Background(), msg))

	require.Len(t, stub.calls, 3)
	for _, c := range stub.calls {
		require.Equal(t, msg.IdempotencyKey, c.key)
		require.Equal(t, msg.IdempotencyKey, c.body.IdempotencyKey)
		require.Equal(t, "/message/sendText/sul principal", c.path)
		require.Equal(t, "secret", c.auth)
		require.Equal(t, "5541999990000", c.body.Number)
	}
	require.Equal(t, []string{"retry", "retry", "sent"}, spy.outcomes)
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	stub := &providerStub{statuses: []int{500, 502, 503, 201}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	msg, _ := NewOutbound("i").To("1").Text("x").Build()
	err := newTestClient(srv.URL, &attemptSpy{}).Send(context.Background(), msg)

	require.Equal(t, apperr.DeliveryFailed, apperr.CodeOf(err))
	require.Len(t, stub.calls, 3)
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	stub := &providerStub{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	spy := &attemptSpy{}

	msg, _ := NewOutbound("i").To("1").Text("x").Build()
	err := newTestClient(srv.URL, spy).Send(context.Background(), msg)

	require.Equal(t, apperr.DeliveryFailed, apperr.CodeOf(err))
	require.Len(t, stub.calls, 1)
	require.Equal(t, []string{"rejected"}, spy.outcomes)
}

func TestSendRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	msg, _ := NewOutbound("i").To("1").Text("x").Build()
	spy := &attemptSpy{}
	err := newTestClient(url, spy).Send(context.Background(), msg)

	require.Equal(t, apperr.DeliveryFailed, apperr.CodeOf(err))
	require.Equal(t, []string{"retry", "retry", "retry", "failed"}, spy.outcomes)
}
