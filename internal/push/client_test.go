package push

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

func newTokenServer(t *testing.T, exchanges *int64) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, assertionGrant, r.FormValue("grant_type"))
		assert.NotEmpty(t, r.FormValue("assertion"))

		if exchanges != nil {
			atomic.AddInt64(exchanges, 1)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-bearer",
			"expires_in":   3600,
		})
	}))
}

func newTestClient(t *testing.T, sendStatus int, sendBody string, exchanges *int64) (*Client, *int64) {
	t.Helper()

	tokenSrv := newTokenServer(t, exchanges)
	t.Cleanup(tokenSrv.Close)

	var sends int64
	sendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&sends, 1)
		assert.Equal(t, "Bearer test-bearer", r.Header.Get("Authorization"))

		w.WriteHeader(sendStatus)
		_, _ = w.Write([]byte(sendBody))
	}))
	t.Cleanup(sendSrv.Close)

	client, err := NewClient(Config{
		ProjectID:     "test-project",
		ClientEmail:   "svc@test-project.iam.gserviceaccount.com",
		PrivateKeyPEM: testPrivateKeyPEM(t),
		TokenURL:      tokenSrv.URL,
		Endpoint:      sendSrv.URL,
	})
	require.NoError(t, err)

	return client, &sends
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{ClientEmail: "svc@example.com", PrivateKeyPEM: testPrivateKeyPEM(t)})
	require.Error(t, err)

	_, err = NewClient(Config{ProjectID: "p", PrivateKeyPEM: testPrivateKeyPEM(t)})
	require.Error(t, err)

	_, err = NewClient(Config{ProjectID: "p", ClientEmail: "svc@example.com", PrivateKeyPEM: "not a key"})
	require.Error(t, err)
}

func TestSendDelivered(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"name":"projects/test/messages/1"}`, nil)

	outcome := client.Send(context.Background(), "tok-1", "Title", "Body", map[string]string{"type": "general"})
	assert.True(t, outcome.OK())
	assert.Equal(t, StateDelivered, outcome.State)
}

func TestSendUnregisteredIsPermanent(t *testing.T) {
	body := `{"error":{"code":404,"status":"NOT_FOUND","message":"Requested entity was not found.","details":[{"errorCode":"UNREGISTERED"}]}}`
	client, _ := newTestClient(t, http.StatusNotFound, body, nil)

	outcome := client.Send(context.Background(), "tok-1", "Title", "Body", nil)
	assert.Equal(t, StatePermanent, outcome.State)
	assert.Equal(t, "unregistered", outcome.Reason)
}

func TestSendQuotaExceededIsTransient(t *testing.T) {
	body := `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Quota exceeded."}}`
	client, _ := newTestClient(t, http.StatusTooManyRequests, body, nil)

	outcome := client.Send(context.Background(), "tok-1", "Title", "Body", nil)
	assert.Equal(t, StateTransient, outcome.State)
	assert.Contains(t, outcome.Reason, "RESOURCE_EXHAUSTED")
}

func TestSendServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.StatusServiceUnavailable, `upstream unavailable`, nil)

	outcome := client.Send(context.Background(), "tok-1", "Title", "Body", nil)
	assert.Equal(t, StateTransient, outcome.State)
	assert.Contains(t, outcome.Reason, "status 503")
}

func TestSendBadRequestIsPermanent(t *testing.T) {
	body := `{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"The registration token is not a valid FCM registration token"}}`
	client, _ := newTestClient(t, http.StatusBadRequest, body, nil)

	outcome := client.Send(context.Background(), "tok-1", "Title", "Body", nil)
	assert.Equal(t, StatePermanent, outcome.State)
	assert.Contains(t, outcome.Reason, "INVALID_ARGUMENT")
}

func TestSendEmptyTokenIsPermanent(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{}`, nil)

	outcome := client.Send(context.Background(), "  ", "Title", "Body", nil)
	assert.Equal(t, StatePermanent, outcome.State)
}

func TestCredentialReuseAcrossSends(t *testing.T) {
	var exchanges int64
	client, sends := newTestClient(t, http.StatusOK, `{}`, &exchanges)

	for i := 0; i < 5; i++ {
		outcome := client.Send(context.Background(), "tok-1", "Title", "Body", nil)
		require.True(t, outcome.OK())
	}

	assert.EqualValues(t, 5, atomic.LoadInt64(sends))
	assert.EqualValues(t, 1, atomic.LoadInt64(&exchanges))
}

func TestCredentialProactiveRefresh(t *testing.T) {
	var exchanges int64
	tokenSrv := newTokenServer(t, &exchanges)
	t.Cleanup(tokenSrv.Close)

	now := time.Now()
	clock := func() time.Time { return now }

	cache, err := newCredentialCache(
		"svc@test-project.iam.gserviceaccount.com",
		testPrivateKeyPEM(t),
		tokenSrv.URL,
		tokenSrv.Client(),
		clock,
	)
	require.NoError(t, err)

	_, err = cache.Bearer(context.Background())
	require.NoError(t, err)
	_, err = cache.Bearer(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&exchanges))

	// Before the 90% refresh point the cached credential is reused.
	now = now.Add(53 * time.Minute)
	_, err = cache.Bearer(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&exchanges))

	// Past 54 minutes of a 60-minute lifetime a fresh exchange happens.
	now = now.Add(2 * time.Minute)
	_, err = cache.Bearer(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&exchanges))
}

func TestCredentialSharedAcrossConcurrentCallers(t *testing.T) {
	var exchanges int64
	tokenSrv := newTokenServer(t, &exchanges)
	t.Cleanup(tokenSrv.Close)

	cache, err := newCredentialCache(
		"svc@test-project.iam.gserviceaccount.com",
		testPrivateKeyPEM(t),
		tokenSrv.URL,
		tokenSrv.Client(),
		nil,
	)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.Bearer(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "test-bearer", tokens[i])
	}
	// Concurrent cold starts share one exchange: either the flight itself or
	// the cached result once the first flight lands.
	assert.EqualValues(t, 1, atomic.LoadInt64(&exchanges))
}

func TestEnsureCredentialsSurfacesExchangeFailure(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(tokenSrv.Close)

	client, err := NewClient(Config{
		ProjectID:     "test-project",
		ClientEmail:   "svc@test-project.iam.gserviceaccount.com",
		PrivateKeyPEM: testPrivateKeyPEM(t),
		TokenURL:      tokenSrv.URL,
		Endpoint:      "http://127.0.0.1:0",
	})
	require.NoError(t, err)

	err = client.EnsureCredentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange failed")
}

func TestOutcomeStateString(t *testing.T) {
	assert.Equal(t, "delivered", StateDelivered.String())
	assert.Equal(t, "transient", StateTransient.String())
	assert.Equal(t, "permanent", StatePermanent.String())
}
