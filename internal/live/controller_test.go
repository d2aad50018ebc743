package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/intake"
	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
)

type fakeClient struct {
	mu          sync.Mutex
	triageRes   *gateway.LiveTriageResult
	triageErr   error
	triageGate  chan struct{}
	triageCalls []gateway.LiveTriageRequest

	visionFn func(frame []byte) (*gateway.VisionResult, error)
}

func (f *fakeClient) LiveTriage(ctx context.Context, req gateway.LiveTriageRequest) (*gateway.LiveTriageResult, error) {
	f.mu.Lock()
	f.triageCalls = append(f.triageCalls, req)
	gate := f.triageGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if f.triageErr != nil {
		return nil, f.triageErr
	}
	return f.triageRes, nil
}

func (f *fakeClient) LiveVision(ctx context.Context, frame []byte) (*gateway.VisionResult, error) {
	if f.visionFn != nil {
		return f.visionFn(frame)
	}
	return basicResult("ok"), nil
}

func basicResult(assessment string) *gateway.VisionResult {
	return &gateway.VisionResult{
		Kind:  gateway.VisionBasic,
		Basic: &gateway.BasicVision{OverallAssessment: assessment, ConcernLevel: "low"},
	}
}

type fakeStore struct {
	mu       sync.Mutex
	inserted int
	ended    int
	flags    []intake.RiskFlag
}

func (f *fakeStore) InsertSession(ctx context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted++
	return nil
}

func (f *fakeStore) UpdateSessionEnd(ctx context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return nil
}

func (f *fakeStore) InsertRiskFlag(ctx context.Context, sessionID uuid.UUID, flag intake.RiskFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, flag)
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHub) Publish(sessionID uuid.UUID, eventType string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeHub) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func newTestManager(client Client, store Store, hub Publisher) *Manager {
	return NewManager(client, store, hub, time.Millisecond, zap.NewNop(), nil)
}

func mustStart(t *testing.T, m *Manager) *Controller {
	t.Helper()
	c, err := m.StartSession(uuid.New())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return c
}

func TestStartSessionRequiresPatientIdentity(t *testing.T) {
	m := newTestManager(&fakeClient{}, nil, nil)
	if _, err := m.StartSession(uuid.Nil); !errors.Is(err, ErrMissingPatient) {
		t.Fatalf("expected ErrMissingPatient, got %v", err)
	}
}

func TestResumeReturnsSameSessionNotADuplicate(t *testing.T) {
	m := newTestManager(&fakeClient{}, nil, nil)
	c := mustStart(t, m)

	resumed, err := m.Resume(c.ID())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed != c {
		t.Fatal("Resume returned a different controller for the same id")
	}

	if _, err := m.Resume(uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m := newTestManager(&fakeClient{}, nil, nil)
	c := mustStart(t, m)

	first, closed := c.End()
	if !closed {
		t.Fatal("first End did not close the session")
	}
	if first.EndTime == nil {
		t.Fatal("EndTime not set on first End")
	}

	second, closed := c.End()
	if closed {
		t.Fatal("second End reported closing again")
	}
	if !second.EndTime.Equal(*first.EndTime) {
		t.Fatalf("EndTime changed on repeat End: %v vs %v", second.EndTime, first.EndTime)
	}
}

func TestVoiceTurnAppendsUserThenAssistantAndUpdatesTriage(t *testing.T) {
	client := &fakeClient{
		triageRes: &gateway.LiveTriageResult{Response: "How long has this hurt?", TriageLevel: "3"},
	}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	res, err := c.ProcessVoiceInput(context.Background(), "my knee hurts")
	if err != nil {
		t.Fatalf("ProcessVoiceInput: %v", err)
	}
	if res.Response != "How long has this hurt?" {
		t.Fatalf("unexpected response %q", res.Response)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Role != RoleUser || snap.Messages[0].Content != "my knee hurts" {
		t.Fatalf("first message is not the user turn: %+v", snap.Messages[0])
	}
	if snap.Messages[1].Role != RoleAssistant {
		t.Fatalf("second message is not the assistant reply: %+v", snap.Messages[1])
	}
	if snap.CurrentTriage == nil || snap.CurrentTriage.TriageLevel != "3" {
		t.Fatalf("current triage not updated: %+v", snap.CurrentTriage)
	}
}

func TestVoiceChannelIsSerialized(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{
		triageRes:  &gateway.LiveTriageResult{Response: "ok"},
		triageGate: gate,
	}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.ProcessVoiceInput(context.Background(), "first")
		firstDone <- err
	}()

	// Wait until the first call is in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.triageCalls)
		client.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first triage call never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.ProcessVoiceInput(context.Background(), "second"); !errors.Is(err, ErrTriageBusy) {
		t.Fatalf("expected ErrTriageBusy for re-entrant call, got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// The channel is free again after completion.
	client.triageGate = nil
	if _, err := c.ProcessVoiceInput(context.Background(), "third"); err != nil {
		t.Fatalf("call after completion failed: %v", err)
	}
}

func TestVoiceFailureIsChannelScopedNotFatal(t *testing.T) {
	client := &fakeClient{triageErr: errors.New("gateway down")}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	if _, err := c.ProcessVoiceInput(context.Background(), "hello"); err == nil {
		t.Fatal("expected error from failed turn")
	}

	if c.State() != StateActive {
		t.Fatal("session torn down by a channel failure")
	}
	if len(c.Snapshot().Messages) != 0 {
		t.Fatal("failed turn left a partial transcript")
	}

	// Retry succeeds once the gateway recovers.
	client.triageErr = nil
	client.triageRes = &gateway.LiveTriageResult{Response: "ok"}
	if _, err := c.ProcessVoiceInput(context.Background(), "hello"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestVisionResultsLandInCompletionOrder(t *testing.T) {
	gateA := make(chan struct{})
	gateB := make(chan struct{})
	client := &fakeClient{
		visionFn: func(frame []byte) (*gateway.VisionResult, error) {
			switch string(frame) {
			case "a":
				<-gateA
				return basicResult("a"), nil
			default:
				<-gateB
				return basicResult("b"), nil
			}
		},
	}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.AnalyzeFrame(context.Background(), []byte("a"))
	}()
	go func() {
		defer wg.Done()
		c.AnalyzeFrame(context.Background(), []byte("b"))
	}()

	// b completes first even though a may have been captured first.
	close(gateB)
	time.Sleep(50 * time.Millisecond)
	close(gateA)
	wg.Wait()

	snap := c.Snapshot()
	if len(snap.VisionResults) != 2 {
		t.Fatalf("expected 2 vision results, got %d", len(snap.VisionResults))
	}
	if snap.VisionResults[0].Basic.OverallAssessment != "b" {
		t.Fatal("completion order not preserved: first result should be b")
	}

	c.mu.Lock()
	latest := c.latestVision
	c.mu.Unlock()
	if latest.Basic.OverallAssessment != "a" {
		t.Fatalf("latestVision should be the last completed result, got %q", latest.Basic.OverallAssessment)
	}
}

func TestLatestVisionFeedsNextVoiceTurn(t *testing.T) {
	client := &fakeClient{triageRes: &gateway.LiveTriageResult{Response: "ok"}}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	if _, err := c.AnalyzeFrame(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("AnalyzeFrame: %v", err)
	}
	if _, err := c.ProcessVoiceInput(context.Background(), "does it look swollen"); err != nil {
		t.Fatalf("ProcessVoiceInput: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.triageCalls) != 1 {
		t.Fatalf("expected 1 triage call, got %d", len(client.triageCalls))
	}
	if client.triageCalls[0].ImageAnalysis == nil {
		t.Fatal("voice turn did not carry the latest vision context")
	}
}

func TestLateVisionResultDiscardedAfterEnd(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{
		visionFn: func(frame []byte) (*gateway.VisionResult, error) {
			<-gate
			return basicResult("late"), nil
		},
	}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := c.AnalyzeFrame(context.Background(), []byte("frame"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	c.End()
	close(gate)

	if err := <-done; !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded for late result, got %v", err)
	}
	if n := len(c.Snapshot().VisionResults); n != 0 {
		t.Fatalf("late result written into closed session, %d results", n)
	}
}

func TestEscalationRaisesAlertWithoutEndingSession(t *testing.T) {
	client := &fakeClient{
		triageRes: &gateway.LiveTriageResult{
			Response:       "Please seek emergency care now.",
			TriageLevel:    "1",
			ShouldEscalate: true,
		},
	}
	store := &fakeStore{}
	hub := &fakeHub{}
	m := newTestManager(client, store, hub)
	c := mustStart(t, m)

	if _, err := c.ProcessVoiceInput(context.Background(), "crushing chest pain"); err != nil {
		t.Fatalf("ProcessVoiceInput: %v", err)
	}

	if c.State() != StateActive {
		t.Fatal("escalation must not end the session")
	}
	if !c.Snapshot().Escalated {
		t.Fatal("session not marked escalated")
	}
	if !hub.has("escalation") {
		t.Fatal("escalation event not published")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.flags)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("escalation risk flag never persisted")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndSnapshotsFinalTriage(t *testing.T) {
	client := &fakeClient{triageRes: &gateway.LiveTriageResult{Response: "ok", TriageLevel: "2"}}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	if _, err := c.ProcessVoiceInput(context.Background(), "hello"); err != nil {
		t.Fatalf("ProcessVoiceInput: %v", err)
	}

	snap, err := m.EndSession(c.ID())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if snap.FinalTriage == nil || snap.FinalTriage.TriageLevel != "2" {
		t.Fatalf("final triage not snapshotted: %+v", snap.FinalTriage)
	}

	if _, err := c.ProcessVoiceInput(context.Background(), "again"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded after end, got %v", err)
	}
}

func TestFrameLoopStopsOnEnd(t *testing.T) {
	var mu sync.Mutex
	captures := 0
	src := frameSourceFunc(func(ctx context.Context) ([]byte, error) {
		mu.Lock()
		captures++
		mu.Unlock()
		return []byte("frame"), nil
	})

	client := &fakeClient{}
	m := newTestManager(client, nil, nil)
	c := mustStart(t, m)

	if err := c.StartFrameLoop(src); err != nil {
		t.Fatalf("StartFrameLoop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := captures
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame loop never captured")
		}
		time.Sleep(time.Millisecond)
	}

	c.End()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	after := captures
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	final := captures
	mu.Unlock()
	if final > after+1 {
		t.Fatalf("frame loop kept capturing after end: %d then %d", after, final)
	}
}

type frameSourceFunc func(ctx context.Context) ([]byte, error)

func (f frameSourceFunc) CaptureFrame(ctx context.Context) ([]byte, error) { return f(ctx) }
