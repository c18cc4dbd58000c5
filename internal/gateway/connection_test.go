package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/fanout"
)

type fakeGuildLister struct {
	guildIDs []uuid.UUID
}

func (f *fakeGuildLister) GuildIDsForUser(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return f.guildIDs, nil
}

type fakePresence struct {
	online, offline  int
	status           string
	started, stopped []uuid.UUID
	statusErr        error
}

func (p *fakePresence) SetOnline(context.Context, uuid.UUID) error  { p.online++; return nil }
func (p *fakePresence) SetOffline(context.Context, uuid.UUID) error { p.offline++; return nil }
func (p *fakePresence) SetStatus(_ context.Context, _ uuid.UUID, status string) error {
	if p.statusErr != nil {
		return p.statusErr
	}
	p.status = status
	return nil
}
func (p *fakePresence) StartTyping(_ context.Context, channelID, _ uuid.UUID) error {
	p.started = append(p.started, channelID)
	return nil
}
func (p *fakePresence) StopTyping(_ context.Context, channelID, _ uuid.UUID) error {
	p.stopped = append(p.stopped, channelID)
	return nil
}

func newTestConnection(presence PresenceBroadcaster) *Connection {
	return NewConnection(nil, uuid.New(), uuid.New(), nil, &fakeGuildLister{}, presence, NewRegistry(), zerolog.Nop())
}

func drainOne(t *testing.T, c *Connection) ServerMessage {
	t.Helper()
	select {
	case frame := <-c.send:
		var msg ServerMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return ServerMessage{}
	}
}

func TestHandlePingRepliesWithPong(t *testing.T) {
	t.Parallel()
	c := newTestConnection(&fakePresence{})
	c.handlePing(json.RawMessage(`{"ts":42}`))

	msg := drainOne(t, c)
	if msg.Kind != KindPong {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindPong)
	}
}

func TestDispatchUnknownKindSendsError(t *testing.T) {
	t.Parallel()
	c := newTestConnection(&fakePresence{})
	c.dispatch(context.Background(), ClientMessage{Kind: "bogus"})

	msg := drainOne(t, c)
	if msg.Kind != KindError {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindError)
	}
}

func TestHandleStartTypingRecordsAndDispatches(t *testing.T) {
	t.Parallel()
	presence := &fakePresence{}
	c := newTestConnection(presence)
	channelID := uuid.New()

	data, _ := json.Marshal(TypingPayload{ChannelID: channelID.String()})
	c.handleStartTyping(context.Background(), data)

	if len(presence.started) != 1 || presence.started[0] != channelID {
		t.Fatalf("started = %v, want [%v]", presence.started, channelID)
	}
}

func TestHandleStopTypingClears(t *testing.T) {
	t.Parallel()
	presence := &fakePresence{}
	c := newTestConnection(presence)
	channelID := uuid.New()

	data, _ := json.Marshal(TypingPayload{ChannelID: channelID.String()})
	c.handleStopTyping(context.Background(), data)

	if len(presence.stopped) != 1 || presence.stopped[0] != channelID {
		t.Fatalf("stopped = %v, want [%v]", presence.stopped, channelID)
	}
}

func TestHandleSetPresenceAppliesStatus(t *testing.T) {
	t.Parallel()
	presence := &fakePresence{}
	c := newTestConnection(presence)

	data, _ := json.Marshal(SetPresencePayload{Status: "idle"})
	c.handleSetPresence(context.Background(), data)

	if presence.status != "idle" {
		t.Fatalf("status = %q, want %q", presence.status, "idle")
	}
}

func TestHandleSetPresenceInvalidStatusSendsError(t *testing.T) {
	t.Parallel()
	presence := &fakePresence{statusErr: errors.New("invalid presence status")}
	c := newTestConnection(presence)

	data, _ := json.Marshal(SetPresencePayload{Status: "bogus"})
	c.handleSetPresence(context.Background(), data)

	msg := drainOne(t, c)
	if msg.Kind != KindError {
		t.Fatalf("Kind = %v, want %v", msg.Kind, KindError)
	}
}

func TestErrorCodeMapsKnownSentinels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{fanout.ErrPermissionDenied, CodePermissionDenied},
		{fanout.ErrRateLimited, CodeRateLimited},
		{fanout.ErrChannelNotFound, CodeResourceNotFound},
		{fanout.ErrMessageNotFound, CodeResourceNotFound},
		{errors.New("unmapped"), CodeNotFound},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Errorf("errorCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
