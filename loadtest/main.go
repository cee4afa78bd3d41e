package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wellness-chat/internal/identity"
	"wellness-chat/internal/logger"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "HTTP base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "WebSocket URL")
	pairCount = flag.Int("pairs", 250, "number of user pairs; start small, the database might choke")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type conversationResponse struct {
	ID uuid.UUID `json:"id"`
}

type frame struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	ClientNonce    string    `json:"client_nonce,omitempty"`
	Code           string    `json:"code,omitempty"`
}

type stats struct {
	sent, acked, failed atomic.Int64
}

func main() {
	flag.Parse()
	log := logger.New("info", "console")

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}
	verifier := identity.NewVerifier(secret)

	log.Info().Int("users", *pairCount*2).Int("messages_each", *msgCount).Msg("starting stress test")
	start := time.Now()
	var st stats
	var wg sync.WaitGroup

	// Pairs: user 0a talks to user 0b, 1a to 1b, ...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, verifier, pairID, &st)
		}(i)
	}

	wg.Wait()
	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("acked", st.acked.Load()).
		Int64("failed", st.failed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

func runPair(log zerolog.Logger, verifier *identity.Verifier, pairID int, st *stats) {
	a := identity.Identity{UserID: uuid.New(), Role: identity.RoleEmployee}
	b := identity.Identity{UserID: uuid.New(), Role: identity.RoleEmployee}

	tokenA, errA := verifier.Issue(a, time.Hour)
	tokenB, errB := verifier.Issue(b, time.Hour)
	if errA != nil || errB != nil {
		log.Error().Int("pair", pairID).Msg("could not mint tokens")
		return
	}

	// A starts the conversation; B's call must resolve to the same one.
	convID, err := startDirect(tokenA, b.UserID)
	if err != nil {
		log.Error().Err(err).Int("pair", pairID).Msg("create chat failed")
		return
	}
	if again, err := startDirect(tokenB, a.UserID); err != nil || again != convID {
		log.Error().Err(err).Int("pair", pairID).Msg("direct conversation was not reused")
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(log, &wsWg, tokenA, convID, fmt.Sprintf("u_%d_a", pairID), st)
	go spamChat(log, &wsWg, tokenB, convID, fmt.Sprintf("u_%d_b", pairID), st)
	wsWg.Wait()
}

func startDirect(token string, otherID uuid.UUID) (uuid.UUID, error) {
	body, _ := json.Marshal(map[string]uuid.UUID{"other_user_id": otherID})
	req, _ := http.NewRequest(http.MethodPost, *baseURL+"/api/conversations/direct", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var data conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return uuid.Nil, err
	}
	return data.ID, nil
}

func spamChat(log zerolog.Logger, wg *sync.WaitGroup, token string, convID uuid.UUID, user string, st *stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", *wsURL, token), nil)
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("ws connect failed")
		return
	}
	defer conn.Close()

	// Count acks and errors for our own sends until the socket closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "ack":
				st.acked.Add(1)
			case "error":
				st.failed.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		err := conn.WriteJSON(frame{
			Type:           "send",
			ConversationID: convID,
			Content:        fmt.Sprintf("LoadTest Msg %d from %s", i, user),
			ClientNonce:    fmt.Sprintf("%s-%d", user, i),
		})
		if err != nil {
			log.Error().Err(err).Str("user", user).Msg("send failed")
			break
		}
		st.sent.Add(1)
		// Small sleep to simulate a real network instead of a localhost burst.
		time.Sleep(10 * time.Millisecond)
	}

	// Give outstanding acks a moment before closing.
	time.Sleep(500 * time.Millisecond)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	log.Info().Str("user", user).Int("messages", *msgCount).Msg("finished sending")
}
