package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nisarsyed/openconv/internal/message"
)

type fakeRepo struct {
	since       []message.Message
	sinceMarker *message.Cursor
	sinceErr    error
}

func (r *fakeRepo) Create(context.Context, message.CreateParams) (*message.Message, error) {
	return nil, nil
}
func (r *fakeRepo) GetByID(context.Context, uuid.UUID) (*message.Message, error) { return nil, nil }
func (r *fakeRepo) ListByChannel(context.Context, uuid.UUID, *message.Cursor, int) ([]message.Message, bool, error) {
	return nil, false, nil
}
func (r *fakeRepo) ListByDMChannel(context.Context, uuid.UUID, *message.Cursor, int) ([]message.Message, bool, error) {
	return nil, false, nil
}
func (r *fakeRepo) UpdateContent(context.Context, uuid.UUID, *uuid.UUID, *uuid.UUID, uuid.UUID, []byte, []byte) (*message.Message, error) {
	return nil, nil
}
func (r *fakeRepo) SoftDeleteOwned(context.Context, uuid.UUID, *uuid.UUID, *uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}
func (r *fakeRepo) SoftDeleteAny(context.Context, uuid.UUID, *uuid.UUID, *uuid.UUID) (bool, error) {
	return false, nil
}
func (r *fakeRepo) ListSince(_ context.Context, _ uuid.UUID, marker *message.Cursor, _ int) ([]message.Message, error) {
	if r.sinceErr != nil {
		return nil, r.sinceErr
	}
	r.sinceMarker = marker
	return r.since, nil
}

func setupService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestBacklogWithNoMarkerReturnsNil(t *testing.T) {
	t.Parallel()
	svc := setupService(t)
	repo := &fakeRepo{}

	backlog, err := svc.Backlog(context.Background(), uuid.New(), uuid.New(), repo)
	if err != nil {
		t.Fatalf("Backlog() error = %v", err)
	}
	if backlog != nil {
		t.Errorf("backlog = %v, want nil", backlog)
	}
}

func TestAdvanceThenBacklogUsesStoredMarker(t *testing.T) {
	t.Parallel()
	svc := setupService(t)
	userID, channelID := uuid.New(), uuid.New()
	marker := message.Cursor{CreatedAt: time.Now().Truncate(time.Microsecond), ID: uuid.New()}

	if err := svc.Advance(context.Background(), userID, channelID, marker); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	repo := &fakeRepo{since: []message.Message{{ID: uuid.New()}}}
	backlog, err := svc.Backlog(context.Background(), userID, channelID, repo)
	if err != nil {
		t.Fatalf("Backlog() error = %v", err)
	}
	if len(backlog) != 1 {
		t.Fatalf("len(backlog) = %d, want 1", len(backlog))
	}
	if repo.sinceMarker == nil || !repo.sinceMarker.CreatedAt.Equal(marker.CreatedAt) || repo.sinceMarker.ID != marker.ID {
		t.Errorf("ListSince marker = %+v, want %+v", repo.sinceMarker, marker)
	}
}

func TestAdvanceOverwritesPriorMarker(t *testing.T) {
	t.Parallel()
	svc := setupService(t)
	userID, channelID := uuid.New(), uuid.New()
	ctx := context.Background()

	first := message.Cursor{CreatedAt: time.Now().Truncate(time.Microsecond), ID: uuid.New()}
	second := message.Cursor{CreatedAt: first.CreatedAt.Add(time.Minute), ID: uuid.New()}

	if err := svc.Advance(ctx, userID, channelID, first); err != nil {
		t.Fatalf("Advance() first error = %v", err)
	}
	if err := svc.Advance(ctx, userID, channelID, second); err != nil {
		t.Fatalf("Advance() second error = %v", err)
	}

	repo := &fakeRepo{}
	if _, err := svc.Backlog(ctx, userID, channelID, repo); err != nil {
		t.Fatalf("Backlog() error = %v", err)
	}
	if repo.sinceMarker == nil || repo.sinceMarker.ID != second.ID {
		t.Errorf("ListSince marker = %+v, want the second advance %+v", repo.sinceMarker, second)
	}
}

func TestBacklogPropagatesRepositoryError(t *testing.T) {
	t.Parallel()
	svc := setupService(t)
	userID, channelID := uuid.New(), uuid.New()
	ctx := context.Background()

	marker := message.Cursor{CreatedAt: time.Now().Truncate(time.Microsecond), ID: uuid.New()}
	if err := svc.Advance(ctx, userID, channelID, marker); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	repo := &fakeRepo{sinceErr: context.DeadlineExceeded}
	if _, err := svc.Backlog(ctx, userID, channelID, repo); err == nil {
		t.Fatal("expected error from ListSince to propagate")
	}
}
