package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tutorhive/backend/internal/peer"
	"github.com/tutorhive/backend/internal/realtime"
	"github.com/tutorhive/backend/internal/rtcclient"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "relay WebSocket endpoint")
		token     = flag.String("token", "", "JWT issued by the platform")
		sessionID = flag.String("session", "", "live session id")
		name      = flag.String("name", "", "display name override")
		iceURLs   = flag.String("ice", "stun:stun.l.google.com:19302", "comma-separated ICE server URLs")
		userID    = flag.String("user", "", "local user id (must match the token subject)")
	)
	flag.Parse()

	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *token == "" || *sessionID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: client -token <jwt> -session <uuid> -user <uuid> [-server url] [-name display]")
		os.Exit(2)
	}
	sid, err := uuid.Parse(*sessionID)
	if err != nil {
		logger.Fatal("invalid session id", zap.Error(err))
	}
	uid, err := uuid.Parse(*userID)
	if err != nil {
		logger.Fatal("invalid user id", zap.Error(err))
	}

	var urls []string
	for _, u := range strings.Split(*iceURLs, ",") {
		if t := strings.TrimSpace(u); t != "" {
			urls = append(urls, t)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := rtcclient.Dial(ctx, rtcclient.Config{
		ServerURL:   *serverURL,
		Token:       *token,
		SessionID:   sid,
		LocalUserID: uid,
		DisplayName: *name,
		ConnFactory: peer.PionFactory(peer.ICEServersFromURLs(urls)),
		Logger:      logger,
	})
	cancel()
	if err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}
	defer client.Close()

	// Headless mode sends no media; links still come up so remote tracks and
	// chat flow in.
	client.Orchestrator().SetLinkStateHandler(func(remote uuid.UUID, state peer.LinkState) {
		logger.Info("link state", zap.String("remote", remote.String()), zap.String("state", string(state)))
	})
	client.SetChatHandler(func(msg realtime.ChatReceived) {
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.DisplayName, msg.Text)
	})
	done := make(chan struct{})
	client.SetEndedHandler(func() {
		logger.Info("session ended by tutor")
		close(done)
	})

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), 10*time.Second)
	members, err := client.Join(joinCtx)
	cancelJoin()
	if err != nil {
		logger.Fatal("join failed", zap.Error(err))
	}
	logger.Info("joined session", zap.Int("members_present", len(members)))
	for _, m := range members {
		logger.Info("present", zap.String("user", m.UserID.String()), zap.String("name", m.DisplayName))
	}

	// Lines typed on stdin become chat messages.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if err := client.SendChat(text); err != nil {
				logger.Warn("chat send failed", zap.Error(err))
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		_ = client.Leave()
	case <-done:
	case <-client.Done():
		logger.Warn("connection lost")
	}
}
