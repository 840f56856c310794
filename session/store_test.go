package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client, "t")
}

func TestPutActiveAndActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutActive(ctx, "u1", "fam1", "tok1", time.Hour); err != nil {
		t.Fatalf("PutActive failed: %v", err)
	}

	id, err := s.Active(ctx, "fam1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if id != "tok1" {
		t.Fatalf("expected active token tok1, got %q", id)
	}
}

func TestActiveUnknownFamily(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Active(context.Background(), "ghost"); !errors.Is(err, ErrFamilyNotFound) {
		t.Fatalf("expected ErrFamilyNotFound, got %v", err)
	}
}

func TestRotateReplacesActiveToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutActive(ctx, "u1", "fam1", "tok1", time.Hour); err != nil {
		t.Fatalf("PutActive failed: %v", err)
	}
	if err := s.Rotate(ctx, "fam1", "tok1", "tok2", time.Hour); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	id, err := s.Active(ctx, "fam1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if id != "tok2" {
		t.Fatalf("expected rotation to install tok2, got %q", id)
	}
}

func TestRotateWithSupersededTokenRevokesFamily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutActive(ctx, "u1", "fam1", "tok1", time.Hour); err != nil {
		t.Fatalf("PutActive failed: %v", err)
	}
	if err := s.Rotate(ctx, "fam1", "tok1", "tok2", time.Hour); err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}

	// Replaying tok1 is reuse of a superseded token.
	if err := s.Rotate(ctx, "fam1", "tok1", "tok3", time.Hour); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}

	revoked, err := s.IsRevoked(ctx, "fam1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected family to be revoked after reuse")
	}

	// The fresh token must also be dead: the whole lineage is unusable.
	if err := s.Rotate(ctx, "fam1", "tok2", "tok4", time.Hour); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("expected ErrFamilyRevoked for rotated token, got %v", err)
	}
}

func TestRotateUnknownFamily(t *testing.T) {
	s := newTestStore(t)

	err := s.Rotate(context.Background(), "ghost", "tok1", "tok2", time.Hour)
	if !errors.Is(err, ErrFamilyNotFound) {
		t.Fatalf("expected ErrFamilyNotFound, got %v", err)
	}
}

func TestRevokeFamily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutActive(ctx, "u1", "fam1", "tok1", time.Hour); err != nil {
		t.Fatalf("PutActive failed: %v", err)
	}
	if err := s.RevokeFamily(ctx, "fam1", time.Hour); err != nil {
		t.Fatalf("RevokeFamily failed: %v", err)
	}

	if _, err := s.Active(ctx, "fam1"); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("expected ErrFamilyRevoked, got %v", err)
	}
	if err := s.Rotate(ctx, "fam1", "tok1", "tok2", time.Hour); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("expected rotation on revoked family to fail, got %v", err)
	}
}

func TestRevokeSubjectKillsAllFamilies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutActive(ctx, "u1", "fam1", "tok1", time.Hour); err != nil {
		t.Fatalf("PutActive fam1 failed: %v", err)
	}
	if err := s.PutActive(ctx, "u1", "fam2", "tok2", time.Hour); err != nil {
		t.Fatalf("PutActive fam2 failed: %v", err)
	}
	if err := s.PutActive(ctx, "u2", "fam3", "tok3", time.Hour); err != nil {
		t.Fatalf("PutActive fam3 failed: %v", err)
	}

	if err := s.RevokeSubject(ctx, "u1", time.Hour); err != nil {
		t.Fatalf("RevokeSubject failed: %v", err)
	}

	for _, fam := range []string{"fam1", "fam2"} {
		if _, err := s.Active(ctx, fam); !errors.Is(err, ErrFamilyRevoked) {
			t.Fatalf("expected %s revoked, got %v", fam, err)
		}
	}
	if _, err := s.Active(ctx, "fam3"); err != nil {
		t.Fatalf("u2's family should be untouched: %v", err)
	}
}

func TestConcurrentRotationHasExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutActive(ctx, "u1", "fam1", "tok1", time.Hour); err != nil {
		t.Fatalf("PutActive failed: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Rotate(ctx, "fam1", "tok1", "next", time.Hour)
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrFamilyRevoked):
			losers++
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one rotation winner, got %d", winners)
	}
	if losers != racers-1 {
		t.Fatalf("expected %d losers, got %d", racers-1, losers)
	}

	// The race must never fork the lineage: after any loser, the family is
	// revoked.
	revoked, err := s.IsRevoked(ctx, "fam1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected family revoked after contested rotation")
	}
}
