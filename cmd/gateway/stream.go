package main

import (
	"context"
	"net/http"
	"time"

	"walletgate/pkg/arbiter"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is the wire envelope for /v1/stream. The four topics mirror
// the engine's subjects: pending snapshots per kind plus the badge.
type streamEvent struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// handleStream pushes pending-queue snapshots and badge changes to an
// approval surface over a websocket. Each subject's latest value is
// delivered on connect, then every change until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.WSOriginPatterns) > 0 {
		opts.OriginPatterns = s.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	authSub := s.Engine.AuthSubject.Subscribe(16)
	defer s.Engine.AuthSubject.Unsubscribe(authSub)
	metaSub := s.Engine.MetaSubject.Subscribe(16)
	defer s.Engine.MetaSubject.Unsubscribe(metaSub)
	signSub := s.Engine.SignSubject.Subscribe(16)
	defer s.Engine.SignSubject.Unsubscribe(signSub)
	badgeSub := s.Engine.BadgeSubject.Subscribe(16)
	defer s.Engine.BadgeSubject.Unsubscribe(badgeSub)

	_ = wsjson.Write(ctx, conn, streamEvent{Topic: "ready"})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	write := func(topic string, data any) bool {
		writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, conn, streamEvent{Topic: topic, Data: data})
		cancelWrite()
		return err == nil
	}
	for {
		var ok bool
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case views, open := <-authSub:
			ok = open && write("auth_requests", normalizeAuthViews(views))
		case views, open := <-metaSub:
			ok = open && write("meta_requests", normalizeMetaViews(views))
		case views, open := <-signSub:
			ok = open && write("sign_requests", normalizeSignViews(views))
		case badge, open := <-badgeSub:
			ok = open && write("badge", badge)
		}
		if !ok {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
	}
}

func normalizeAuthViews(views []arbiter.AuthRequestView) []arbiter.AuthRequestView {
	if views == nil {
		return []arbiter.AuthRequestView{}
	}
	return views
}

func normalizeMetaViews(views []arbiter.MetaRequestView) []arbiter.MetaRequestView {
	if views == nil {
		return []arbiter.MetaRequestView{}
	}
	return views
}

func normalizeSignViews(views []arbiter.SignRequestView) []arbiter.SignRequestView {
	if views == nil {
		return []arbiter.SignRequestView{}
	}
	return views
}
