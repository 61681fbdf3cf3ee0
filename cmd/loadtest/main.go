package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const generalConversation = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"

type event struct {
	Type string `json:"type"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "websocket endpoint")
	conversation := flag.String("conversation", generalConversation, "conversation to hammer")
	watchers := flag.Int("watchers", 200, "websocket subscribers")
	senders := flag.Int("senders", 50, "concurrent HTTP senders")
	msgCount := flag.Int("messages", 20, "messages per sender")
	flag.Parse()

	log.Printf("🔥 STARTING STRESS TEST: %d watchers, %d senders x %d messages", *watchers, *senders, *msgCount)

	var events atomic.Int64
	var watchWg sync.WaitGroup
	conns := make(chan *websocket.Conn, *watchers)
	for i := 0; i < *watchers; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?conversation=%s", *wsURL, *conversation), nil)
		if err != nil {
			log.Printf("❌ WS Connect Fail [%d]: %v", i, err)
			continue
		}
		conns <- conn
		watchWg.Add(1)
		go func() {
			defer watchWg.Done()
			for {
				var ev event
				if err := conn.ReadJSON(&ev); err != nil {
					return
				}
				events.Add(1)
			}
		}()
	}
	close(conns)

	start := time.Now()
	var sendWg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < *senders; i++ {
		sendWg.Add(1)
		go func(id int) {
			defer sendWg.Done()
			for j := 0; j < *msgCount; j++ {
				if err := send(*baseURL, *conversation, fmt.Sprintf("LoadTest Msg %d from sender %d", j, id)); err != nil {
					failures.Add(1)
				}
				// Small sleep to prevent instant localhost bottleneck (simulate real network)
				time.Sleep(10 * time.Millisecond)
			}
		}(i)
	}
	sendWg.Wait()
	elapsed := time.Since(start)

	// Give the pushes a moment to drain before hanging up.
	time.Sleep(time.Second)
	for conn := range conns {
		conn.Close()
	}
	watchWg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: %d send failures, %d events received", elapsed, failures.Load(), events.Load())
}

func send(baseURL, conversation, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("%s/api/conversations/%s/messages", baseURL, conversation), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
