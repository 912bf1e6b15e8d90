// Minimal end-to-end check against a running votecore: seeds a poll, casts three votes
// and waits for the tally to settle at 66.67 / 33.33.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agaro/votecore/src/config"
	"github.com/agaro/votecore/src/data"
	"github.com/agaro/votecore/src/voting/polls"
	"github.com/agaro/votecore/src/voting/types"
)

var (
	baseURL   = getenv("API_URL", "http://localhost:8080/v1")
	jwtSecret string
	voters    = []string{
		"0x00000000000000000000000000000000000000a1",
		"0x00000000000000000000000000000000000000b1",
		"0x00000000000000000000000000000000000000d1",
	}
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	jwtSecret = cfg.JWTSecret

	poll := seedPoll(ctx, cfg.MySQLDSN)
	log.Printf("seeded poll %s", poll.ID)

	for i, addr := range voters {
		choice := poll.Choices[0].ID
		if i == 2 {
			choice = poll.Choices[1].ID
		}
		checkEligible(token(addr), poll.ID)
		castVote(token(addr), poll.ID, choice, http.StatusCreated)
	}
	castVote(token(voters[0]), poll.ID, poll.Choices[0].ID, http.StatusConflict)

	waitForTally(poll.ID)
	checkSecurityView(voters[0])

	fmt.Println("✓ all endpoints passed")
}

// ----------------------------- setup

func seedPoll(ctx context.Context, dsn string) *types.Poll {
	db, err := data.ConnectMySQL(dsn, io.Discard)
	if err != nil {
		log.Fatalf("db: %v", err)
	}

	now := time.Now()
	p := &types.Poll{
		Title:         "smoke " + now.Format(time.RFC3339),
		CreatorWallet: voters[0],
		StartsAt:      now.Add(-time.Minute),
		EndsAt:        now.Add(time.Hour),
		Choices:       []types.Choice{{Text: "yes"}, {Text: "no"}},
	}
	store := polls.NewStore(db)
	if err := store.Create(ctx, p); err != nil {
		log.Fatalf("create poll: %v", err)
	}
	if err := store.UpdateTransactionStatus(ctx, p.ID, types.TxSuccess, ""); err != nil {
		log.Fatalf("confirm poll: %v", err)
	}
	if err := store.SetActive(ctx, p.ID, true); err != nil {
		log.Fatalf("activate poll: %v", err)
	}
	p, err = store.Get(ctx, p.ID)
	if err != nil {
		log.Fatalf("reload poll: %v", err)
	}
	return p
}

func token(addr string) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"addr": addr,
		"exp":  time.Now().Add(10 * time.Minute).Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return s
}

// ----------------------------- votes

func checkEligible(tok, pollID string) {
	var resp struct{ Eligible bool }
	doReq("GET", "/polls/"+pollID+"/eligibility", tok, nil, &resp, http.StatusOK)
	if !resp.Eligible {
		log.Fatal("eligibility: voter rejected")
	}
}

func castVote(tok, pollID, choiceID string, want int) {
	doReq("POST", "/polls/"+pollID+"/votes", tok, map[string]any{"choiceId": choiceID}, nil, want)
}

func waitForTally(pollID string) {
	var resp struct {
		TotalVotes int64
		Choices    []struct {
			Count      int64
			Percentage float64
		}
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		doReq("GET", "/polls/"+pollID+"/tally", "", nil, &resp, http.StatusOK)
		if resp.TotalVotes == 3 && resp.Choices[0].Percentage == 66.67 && resp.Choices[1].Percentage == 33.33 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Fatalf("tally: did not settle, last %+v", resp)
}

// ----------------------------- audit

func checkSecurityView(addr string) {
	var resp struct{ IllegalAttempts int64 }
	doReq("GET", "/audit/wallets/"+addr+"/illegal-count", "", nil, &resp, http.StatusOK)
	if resp.IllegalAttempts == 0 {
		log.Fatal("audit: duplicate attempt not recorded")
	}
}

// ----------------------------- helpers

func doReq(method, path, token string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
