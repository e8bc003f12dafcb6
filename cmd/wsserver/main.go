package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/strangerline/whisper/internal/chat"
	"github.com/strangerline/whisper/internal/metrics"
	"github.com/strangerline/whisper/internal/protocol"
	"github.com/strangerline/whisper/internal/session"
	"github.com/strangerline/whisper/internal/ws"
)

// lobby pairs up sessions one-at-a-time: the first caller to find_partner
// with nobody waiting becomes the waiting slot; the next caller is paired
// with whoever is waiting. It is the minimal stand-in for a real matching
// engine — first-come, first-paired, no interest-based scoring.
type lobby struct {
	mu      sync.Mutex
	waiting string // session ID, empty when nobody is waiting
	pairs   map[string]string
}

func newLobby() *lobby {
	return &lobby{pairs: make(map[string]string)}
}

// join either pairs sid with the waiting session (returning its ID) or
// makes sid the new waiting session (returning "").
func (l *lobby) join(sid string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.waiting == "" || l.waiting == sid {
		l.waiting = sid
		return ""
	}

	partner := l.waiting
	l.waiting = ""
	l.pairs[sid] = partner
	l.pairs[partner] = sid
	return partner
}

// partnerOf returns sid's current partner, if any.
func (l *lobby) partnerOf(sid string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pairs[sid]
}

// leave removes sid from the waiting slot and/or its active pairing,
// returning the partner that needs to be notified, if any.
func (l *lobby) leave(sid string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.waiting == sid {
		l.waiting = ""
	}

	partner, ok := l.pairs[sid]
	if !ok {
		return ""
	}
	delete(l.pairs, sid)
	delete(l.pairs, partner)
	return partner
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	scrollback := chat.NewScrollback()
	pairs := newLobby()

	log.Printf("whisper ws server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	var server *ws.Server
	dispatcher := ws.NewMessageDispatcher(nil)

	dispatcher.Register(protocol.TypeFindPartner, func(conn *ws.Connection, _ interface{}) {
		sid := conn.ID
		ctx := context.Background()

		partner := pairs.join(sid)
		if partner == "" {
			log.Printf("find_partner session=%s waiting", sid)
			return
		}

		metrics.ActiveChats.Inc()
		sessionStore.SetChatID(ctx, sid, partner)
		sessionStore.SetChatID(ctx, partner, sid)

		found, _ := protocol.NewServerMessage(protocol.TypePartnerFound, protocol.PartnerFoundMsg{})
		conn.WriteMessage(found)
		if partnerConn := server.Connections().Get(partner); partnerConn != nil {
			partnerConn.WriteMessage(found)
		}

		log.Printf("find_partner paired session=%s partner=%s", sid, partner)
	})

	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		sid := conn.ID

		if err := chat.Validate(chatMsg.Text); err != nil {
			errResp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_message", Message: err.Error(),
			})
			conn.WriteMessage(errResp)
			return
		}

		partner := pairs.partnerOf(sid)
		if partner == "" {
			errResp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_chat", Message: "not paired with a partner",
			})
			conn.WriteMessage(errResp)
			return
		}

		now := time.Now().Unix()
		pairingID := pairingKey(sid, partner)
		scrollback.Add(pairingID, chat.Message{From: sid, Text: chatMsg.Text, Ts: now})
		metrics.MessagesTotal.WithLabelValues("sent").Inc()

		resp, _ := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
			From: "partner",
			Text: chatMsg.Text,
			Ts:   now,
		})
		if partnerConn := server.Connections().Get(partner); partnerConn != nil {
			if err := partnerConn.WriteMessage(resp); err == nil {
				metrics.MessagesTotal.WithLabelValues("received").Inc()
			}
		}
	})

	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		partner := pairs.partnerOf(conn.ID)
		if partner == "" {
			return
		}
		resp, _ := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
			IsTyping: typingMsg.IsTyping,
		})
		if partnerConn := server.Connections().Get(partner); partnerConn != nil {
			partnerConn.WriteMessage(resp)
		}
	})

	dispatcher.Register(protocol.TypeEndChat, func(conn *ws.Connection, _ interface{}) {
		endPairing(server, sessionStore, scrollback, pairs, conn.ID)
		log.Printf("end_chat from session=%s", conn.ID)
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetOnDisconnect(func(connID string) {
		endPairing(server, sessionStore, scrollback, pairs, connID)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// pairingKey gives the two sides of a pairing a single stable scrollback
// key regardless of which one is asking.
func pairingKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

// endPairing tears down a pairing from either side: notifies the partner,
// clears both sessions' chat state, and drops the scrollback.
func endPairing(server *ws.Server, sessionStore *session.Store, scrollback *chat.Scrollback, pairs *lobby, sid string) {
	partner := pairs.leave(sid)
	if partner == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	metrics.ActiveChats.Dec()
	scrollback.Drop(pairingKey(sid, partner))
	sessionStore.ClearChatID(ctx, sid)
	sessionStore.ClearChatID(ctx, partner)

	left, _ := protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
	if partnerConn := server.Connections().Get(partner); partnerConn != nil {
		partnerConn.WriteMessage(left)
	}
}
