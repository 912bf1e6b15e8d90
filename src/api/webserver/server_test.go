package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/config"
	"github.com/agaro/votecore/src/metrics"
	"github.com/agaro/votecore/src/testutil"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/casting"
	"github.com/agaro/votecore/src/voting/ledger"
	"github.com/agaro/votecore/src/voting/monitor"
	"github.com/agaro/votecore/src/voting/polls"
	"github.com/agaro/votecore/src/voting/tally"
)

const testSecret = "test-secret"

type env struct {
	db      *gorm.DB
	tally   *tally.Store
	handler http.Handler
}

func newEnv(t *testing.T, rateLimit int) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := audit.NewRecorder(db, zerolog.Nop())
	mon, err := monitor.New(rec, nil, zerolog.Nop(), monitor.Options{Metrics: m})
	require.NoError(t, err)
	orch := casting.New(polls.NewStore(db), ledger.New(db, rec, zerolog.Nop()), rec, mon, zerolog.Nop(), casting.Options{Metrics: m})
	ts := tally.NewStore(db)

	cfg := config.Config{
		Port:        "0",
		JWTSecret:   testSecret,
		CORSOrigins: []string{"*"},
		HTTP:        config.HTTPConfig{VoteRateLimit: rateLimit, VoteRateWindow: time.Minute},
	}
	srv := New(cfg, Deps{Casting: orch, Tally: ts, Audit: rec, Gatherer: reg, Log: zerolog.Nop()})
	return &env{db: db, tally: ts, handler: srv.Handler()}
}

func token(t *testing.T, addr string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"addr": addr}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *env) do(t *testing.T, method, path, addr string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if addr != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, addr))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCastVoteFlow(t *testing.T) {
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2)
	path := "/v1/polls/" + poll.ID + "/votes"

	w := e.do(t, http.MethodPost, path, testutil.WalletA, gin.H{"choiceId": poll.Choices[0].ID, "txHash": "0xabc"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vote := decode(t, w)
	assert.Equal(t, testutil.WalletA, vote["wallet"])
	assert.Equal(t, "0xabc", vote["txHash"])

	w = e.do(t, http.MethodPost, path, testutil.WalletA, gin.H{"choiceId": poll.Choices[1].ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, path, testutil.WalletB, gin.H{"choiceId": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, path, testutil.WalletB, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/v1/polls/missing/votes", testutil.WalletB, gin.H{"choiceId": "c1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCastVoteRequiresToken(t *testing.T) {
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2)

	w := e.do(t, http.MethodPost, "/v1/polls/"+poll.ID+"/votes", "", gin.H{"choiceId": poll.Choices[0].ID})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/polls/"+poll.ID+"/votes", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIneligibleAndForgedCasts(t *testing.T) {
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2, testutil.WithAllowList(testutil.WalletA))
	path := "/v1/polls/" + poll.ID + "/votes"

	w := e.do(t, http.MethodPost, path, testutil.WalletB, gin.H{"choiceId": poll.Choices[0].ID})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not an invited address", decode(t, w)["reason"])

	// WalletB's token claiming WalletA's identity.
	w = e.do(t, http.MethodPost, path, testutil.WalletB, gin.H{"choiceId": poll.Choices[0].ID, "wallet": testutil.WalletA})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, casting.ReasonSignatureRejected, decode(t, w)["reason"])

	w = e.do(t, http.MethodGet, "/v1/audit/security", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 2)
	severities := map[string]bool{}
	for _, raw := range entries {
		severities[raw.(map[string]any)["severity"].(string)] = true
	}
	assert.True(t, severities["high"])
	assert.True(t, severities["low"])

	w = e.do(t, http.MethodGet, "/v1/audit/wallets/"+testutil.WalletB+"/illegal-count", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["illegalAttempts"])
}

func TestEligibilityEndpoint(t *testing.T) {
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2, testutil.Private())

	w := e.do(t, http.MethodGet, "/v1/polls/"+poll.ID+"/eligibility", testutil.WalletA, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["eligible"])
	assert.Equal(t, "private poll, not authorized", body["reason"])

	w = e.do(t, http.MethodGet, "/v1/polls/"+poll.ID+"/eligibility", testutil.Creator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["eligible"])
}

func TestTallyEndpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2)

	for i, c := range []int{0, 0, 1} {
		_, err := e.tally.Increment(ctx, tally.Increment{
			VoteID:   "vote-" + string(rune('a'+i)),
			PollID:   poll.ID,
			ChoiceID: poll.Choices[c].ID,
			At:       time.Now(),
		})
		require.NoError(t, err)
	}
	_, _, err := e.tally.RecomputePercentages(ctx, poll.ID)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/v1/polls/"+poll.ID+"/tally", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 3, body["totalVotes"])
	choices := body["choices"].([]any)
	require.Len(t, choices, 2)
	assert.Equal(t, 66.67, choices[0].(map[string]any)["percentage"])
	assert.Equal(t, 33.33, choices[1].(map[string]any)["percentage"])

	w = e.do(t, http.MethodGet, "/v1/polls/missing/tally", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditListAndVerification(t *testing.T) {
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2)

	w := e.do(t, http.MethodPost, "/v1/polls/"+poll.ID+"/votes", testutil.WalletA, gin.H{"choiceId": poll.Choices[0].ID})
	require.Equal(t, http.StatusCreated, w.Code)
	voteID := decode(t, w)["id"].(string)

	w = e.do(t, http.MethodPost, "/v1/votes/"+voteID+"/verification", testutil.WalletA, gin.H{"verified": true, "blockNumber": 77})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "vote_verified", decode(t, w)["action"])

	w = e.do(t, http.MethodPost, "/v1/votes/missing/verification", testutil.WalletA, gin.H{"verified": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/v1/audit?subjectType=vote&subjectId="+voteID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["total"])
	entries := body["entries"].([]any)
	after := entries[0].(map[string]any)["after"].(map[string]any)
	assert.Equal(t, voteID, after["voteId"])

	w = e.do(t, http.MethodGet, "/v1/audit?from=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVoteRateLimit(t *testing.T) {
	e := newEnv(t, 1)
	poll := testutil.CreateTestPoll(t, e.db, 2)
	path := "/v1/polls/" + poll.ID + "/votes"

	w := e.do(t, http.MethodPost, path, testutil.WalletA, gin.H{"choiceId": poll.Choices[0].ID})
	require.Equal(t, http.StatusCreated, w.Code)
	w = e.do(t, http.MethodPost, path, testutil.WalletA, gin.H{"choiceId": poll.Choices[0].ID})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = e.do(t, http.MethodPost, path, testutil.WalletB, gin.H{"choiceId": poll.Choices[0].ID})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, 100)
	poll := testutil.CreateTestPoll(t, e.db, 2)
	e.do(t, http.MethodPost, "/v1/polls/"+poll.ID+"/votes", testutil.WalletA, gin.H{"choiceId": poll.Choices[0].ID})

	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `votecore_votes_cast_total{outcome="accepted"} 1`)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k"))
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("k"))
	rl.cleanup()
	assert.Len(t, rl.requests, 1)
}
