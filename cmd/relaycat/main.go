// relaycat is a terminal peer for poking at a relay: it joins a room, prints
// everything relayed to it, and pushes each stdin line as opaque state.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/driftdoc/relay/client"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "relay websocket URL")
	docID := flag.String("doc", "scratch", "document id (room) to join")
	name := flag.String("name", "relaycat", "display name")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	var mu sync.Mutex
	var lastState string

	m := client.New(client.Config{
		ServerURL: *serverURL,
		DocID:     *docID,
		Identity:  client.NewIdentity(*name),
		Logger:    logger,
		Handlers: client.Handlers{
			OnSync: func(senderID, state string) {
				mu.Lock()
				lastState = state
				mu.Unlock()
				fmt.Printf("<< sync from %s: %q\n", senderID, state)
			},
			ProvideState: func() (string, bool) {
				mu.Lock()
				defer mu.Unlock()
				return lastState, lastState != ""
			},
			OnPeersChanged: func(peers []client.Peer) {
				fmt.Printf("-- %d peer(s) in room\n", len(peers))
				for _, p := range peers {
					cur := "-"
					if p.Presence.Cursor != nil {
						cur = fmt.Sprint(*p.Presence.Cursor)
					}
					fmt.Printf("   %s (%s) cursor=%s\n", p.User.UserName, p.User.UserID, cur)
				}
			},
			OnConnectionChange: func(connected bool) {
				if connected {
					fmt.Println("-- connected")
				} else {
					fmt.Println("-- offline")
				}
			},
		},
	})
	defer m.Close()

	m.Connect()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		m.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		lastState = line
		mu.Unlock()
		m.QueueState(line)
	}
}
