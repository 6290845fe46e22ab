package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/store"
)

func newService(t *testing.T, expiry time.Duration) *Service {
	t.Helper()
	return NewService(store.NewMemoryStore(), NewJWTService("test-secret", expiry))
}

func TestRegisterLoginResolve(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" || user.ID == "" {
		t.Fatal("empty token or user id")
	}
	if strings.Contains(token, "correct horse") {
		t.Fatal("token leaks the password")
	}

	resolved, err := svc.Resolve(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ID != user.ID {
		t.Errorf("resolved %q, want %q", resolved.ID, user.ID)
	}

	if _, _, err := svc.Login(ctx, "alice", "correct horse"); err != nil {
		t.Errorf("login: %v", err)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()
	if _, _, err := svc.Register(ctx, "alice", "correct horse"); err != nil {
		t.Fatal(err)
	}

	_, _, wrongPassword := svc.Login(ctx, "alice", "wrong")
	_, _, unknownUser := svc.Login(ctx, "nobody", "wrong")

	if fault.KindOf(wrongPassword) != fault.KindUnauthorized {
		t.Errorf("wrong password: %v", wrongPassword)
	}
	if fault.KindOf(unknownUser) != fault.KindUnauthorized {
		t.Errorf("unknown user: %v", unknownUser)
	}
	if wrongPassword.Error() != unknownUser.Error() {
		t.Error("login failures should be indistinguishable")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "", "long enough password"); fault.KindOf(err) != fault.KindInvalidArguments {
		t.Errorf("empty username: %v", err)
	}
	if _, _, err := svc.Register(ctx, "bob", "short"); fault.KindOf(err) != fault.KindInvalidArguments {
		t.Errorf("short password: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := newService(t, -time.Minute)
	ctx := context.Background()
	_, token, err := svc.Register(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, token); fault.KindOf(err) != fault.KindUnauthorized {
		t.Errorf("expired token: %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()
	_, token, err := svc.Register(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.Resolve(ctx, tampered); fault.KindOf(err) != fault.KindUnauthorized {
		t.Errorf("tampered token: %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword(hash, "s3cret-pass") {
		t.Error("correct password rejected")
	}
	if VerifyPassword(hash, "other") {
		t.Error("wrong password accepted")
	}
	other, _ := HashPassword("s3cret-pass")
	if hash == other {
		t.Error("salts should differ between hashes")
	}
}
