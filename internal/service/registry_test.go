package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/wrenbot/wren/internal/depgraph"
)

func newTestRegistry() *Registry {
	return NewRegistry(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// fakeService records lifecycle calls into a shared log.
type fakeService struct {
	name     string
	log      *[]string
	startErr error
}

func (s *fakeService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.log = append(*s.log, "start:"+s.name)
	return nil
}

func (s *fakeService) Stop(context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

type echoService struct{}

func (echoService) Call(method string, args ...any) ([]any, error) {
	out := append([]any{method}, args...)
	return out, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register("scoreboard", "1.2.0", "trivia", "instance"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok, err := r.Get("scoreboard")
	if err != nil || !ok || got != "instance" {
		t.Errorf("Get = %v, %v, %v, want instance, true, nil", got, ok, err)
	}
	if _, ok, err := r.Get("missing"); ok || err != nil {
		t.Errorf("Get(missing) = present=%v err=%v, want absent without error", ok, err)
	}
}

func TestRegistryGetVersionGate(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register("scoreboard", "1.0.0", "trivia", "instance"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Met or absent constraints return the service.
	for _, min := range []string{"", "1.0.0", "0.9.0"} {
		got, ok, err := r.Get("scoreboard", min)
		if err != nil || !ok || got != "instance" {
			t.Errorf("Get(min=%q) = %v, %v, %v, want instance", min, got, ok, err)
		}
	}

	// Present but too old is an error, not a silent miss.
	_, ok, err := r.Get("scoreboard", "2.0.0")
	if ok {
		t.Error("Get with unmet minVersion reported the service usable")
	}
	var ve *VersionError
	if !errors.As(err, &ve) || ve.Have != "1.0.0" || ve.Want != "2.0.0" {
		t.Errorf("Get with unmet minVersion = %v, want VersionError 1.0.0 < 2.0.0", err)
	}

	// Absence stays a non-error even with a constraint.
	if _, ok, err := r.Get("missing", "1.0.0"); ok || err != nil {
		t.Errorf("Get(missing, min) = present=%v err=%v, want absent without error", ok, err)
	}
}

func TestRegistryConflict(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register("scoreboard", "1.0.0", "trivia", 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register("scoreboard", "2.0.0", "quiz", 2)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Register = %v, want ErrConflict", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Provider != "trivia" {
		t.Errorf("ConflictError.Provider = %v, want trivia", err)
	}

	// The original registration is untouched.
	got, _, _ := r.Get("scoreboard")
	if got != 1 {
		t.Errorf("Get after conflict = %v, want original instance", got)
	}
}

func TestRegistryVersionValidation(t *testing.T) {
	r := newTestRegistry()

	if err := r.Register("bad", "not-a-version", "p", nil); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("Register(not-a-version) = %v, want ErrInvalidVersion", err)
	}
	if err := r.Register("", "1.0.0", "p", nil); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Register(empty name) = %v, want ErrInvalidName", err)
	}
	// A leading "v" is accepted.
	if err := r.Register("ok", "v1.0.0", "p", nil); err != nil {
		t.Errorf("Register(v1.0.0) = %v, want nil", err)
	}
}

func TestRegistryRequireVersionGate(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register("scoreboard", "1.2.0", "trivia", "instance"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Require("scoreboard", ""); err != nil {
		t.Errorf("Require(no constraint) = %v, want nil", err)
	}
	if _, err := r.Require("scoreboard", "1.0.0"); err != nil {
		t.Errorf("Require(1.0.0) = %v, want nil", err)
	}
	if _, err := r.Require("scoreboard", "1.2.0"); err != nil {
		t.Errorf("Require(1.2.0) = %v, want nil", err)
	}

	_, err := r.Require("scoreboard", "2.0.0")
	if !errors.Is(err, ErrVersionTooLow) {
		t.Fatalf("Require(2.0.0) = %v, want ErrVersionTooLow", err)
	}
	var ve *VersionError
	if !errors.As(err, &ve) || ve.Have != "1.2.0" || ve.Want != "2.0.0" {
		t.Errorf("VersionError = %+v, want Have=1.2.0 Want=2.0.0", ve)
	}

	_, err = r.Require("missing", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Require(missing) = %v, want ErrNotFound", err)
	}
	var nfe *NotFoundError
	if !errors.As(err, &nfe) || nfe.Name != "missing" {
		t.Errorf("Require(missing) error = %v, want NotFoundError{missing}", err)
	}
}

func TestRegistryUnregisterProvider(t *testing.T) {
	r := newTestRegistry()
	r.Register("scoreboard", "1.0.0", "trivia", nil)
	r.Register("questions", "1.0.0", "trivia", nil)
	r.Register("greetings", "1.0.0", "greeter", nil)

	if n := r.UnregisterProvider("trivia"); n != 2 {
		t.Errorf("UnregisterProvider = %d, want 2", n)
	}
	if r.Has("scoreboard") || r.Has("questions") {
		t.Error("trivia services still registered after UnregisterProvider")
	}
	if !r.Has("greetings") {
		t.Error("greeter service was removed by another provider's teardown")
	}
	if n := r.UnregisterProvider("trivia"); n != 0 {
		t.Errorf("second UnregisterProvider = %d, want 0", n)
	}
}

func TestRegistryList(t *testing.T) {
	r := newTestRegistry()
	r.Register("zebra", "1.0.0", "a", nil)
	r.Register("apple", "1.0.0", "b", nil, WithDependencies(map[string]string{"zebra": "1.0.0"}))

	list := r.List()
	if len(list) != 2 || list[0].Name != "apple" || list[1].Name != "zebra" {
		t.Fatalf("List = %v, want sorted by name", list)
	}
	if list[0].Dependencies["zebra"] != "1.0.0" {
		t.Errorf("Dependencies = %v", list[0].Dependencies)
	}
	if list[0].Started {
		t.Error("Started = true before StartAll")
	}
}

func TestRegistryCall(t *testing.T) {
	r := newTestRegistry()
	r.Register("echo", "1.0.0", "p", echoService{})
	r.Register("plain", "1.0.0", "p", "just a string")

	out, err := r.Call("echo", "greet", "alice", 3)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(out) != 3 || out[0] != "greet" || out[1] != "alice" || out[2] != 3 {
		t.Errorf("Call = %v, want [greet alice 3]", out)
	}

	if _, err := r.Call("plain", "greet"); !errors.Is(err, ErrNotCallable) {
		t.Errorf("Call(plain) = %v, want ErrNotCallable", err)
	}
	if _, err := r.Call("missing", "greet"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Call(missing) = %v, want ErrNotFound", err)
	}
}

func TestRegistryStartAllOrder(t *testing.T) {
	r := newTestRegistry()
	var log []string

	// storage <- scoreboard <- leaderboard
	r.Register("leaderboard", "1.0.0", "p", &fakeService{name: "leaderboard", log: &log},
		WithDependencies(map[string]string{"scoreboard": ""}))
	r.Register("storage", "1.0.0", "p", &fakeService{name: "storage", log: &log})
	r.Register("scoreboard", "1.0.0", "p", &fakeService{name: "scoreboard", log: &log},
		WithDependencies(map[string]string{"storage": ""}))

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	want := []string{"start:storage", "start:scoreboard", "start:leaderboard"}
	if len(log) != 3 || log[0] != want[0] || log[1] != want[1] || log[2] != want[2] {
		t.Fatalf("start order = %v, want %v", log, want)
	}

	reg, _ := r.Lookup("storage")
	if !reg.Started {
		t.Error("storage not marked started")
	}

	log = log[:0]
	r.StopAll(context.Background())
	want = []string{"stop:leaderboard", "stop:scoreboard", "stop:storage"}
	if len(log) != 3 || log[0] != want[0] || log[1] != want[1] || log[2] != want[2] {
		t.Fatalf("stop order = %v, want %v", log, want)
	}
}

func TestRegistryStartAllRollsBackOnFailure(t *testing.T) {
	r := newTestRegistry()
	var log []string

	r.Register("storage", "1.0.0", "p", &fakeService{name: "storage", log: &log})
	r.Register("scoreboard", "1.0.0", "p", &fakeService{
		name: "scoreboard", log: &log,
		startErr: errors.New("no database"),
	}, WithDependencies(map[string]string{"storage": ""}))

	err := r.StartAll(context.Background())
	if err == nil {
		t.Fatal("StartAll succeeded, want error")
	}
	want := []string{"start:storage", "stop:storage"}
	if len(log) != 2 || log[0] != want[0] || log[1] != want[1] {
		t.Errorf("log = %v, want %v", log, want)
	}
}

func TestRegistryStartAllMissingDependency(t *testing.T) {
	r := newTestRegistry()
	var log []string
	r.Register("a", "1.0.0", "p", &fakeService{name: "a", log: &log},
		WithDependencies(map[string]string{"ghost": ""}))

	if err := r.StartAll(context.Background()); !errors.Is(err, depgraph.ErrMissingDependency) {
		t.Errorf("StartAll = %v, want ErrMissingDependency", err)
	}
	if len(log) != 0 {
		t.Errorf("services started despite invalid graph: %v", log)
	}
}

func TestRegistryStartDependencyVersionCheck(t *testing.T) {
	r := newTestRegistry()
	var log []string

	r.Register("storage", "1.0.0", "host", &fakeService{name: "storage", log: &log})
	r.Register("scoreboard", "1.0.0", "p", &fakeService{name: "scoreboard", log: &log},
		WithDependencies(map[string]string{"storage": "2.0.0"}))

	err := r.Start(context.Background(), "scoreboard")
	if !errors.Is(err, ErrVersionTooLow) {
		t.Errorf("Start = %v, want ErrVersionTooLow", err)
	}
	if len(log) != 0 {
		t.Errorf("service started despite unsatisfied dependency: %v", log)
	}
}

func TestRegistryStartAllDependsOnPlainValue(t *testing.T) {
	r := newTestRegistry()
	var log []string

	// Depending on a non-lifecycle service is fine; it only orders.
	r.Register("config", "1.0.0", "host", map[string]string{"k": "v"})
	r.Register("scoreboard", "1.0.0", "p", &fakeService{name: "scoreboard", log: &log},
		WithDependencies(map[string]string{"config": ""}))

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if len(log) != 1 || log[0] != "start:scoreboard" {
		t.Errorf("log = %v, want [start:scoreboard]", log)
	}
}
