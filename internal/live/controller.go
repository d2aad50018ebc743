package live

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/apnedoctors/triage-orchestrator/internal/intake"
	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

// Client is the gateway surface the controller consumes.
type Client interface {
	LiveTriage(ctx context.Context, req gateway.LiveTriageRequest) (*gateway.LiveTriageResult, error)
	LiveVision(ctx context.Context, frame []byte) (*gateway.VisionResult, error)
}

// Publisher mirrors session events to observers. Publishing must never block.
type Publisher interface {
	Publish(sessionID uuid.UUID, eventType string, data any)
}

// Store is the append-only record store behind the session. Writes happen
// after in-memory commits and are best effort.
type Store interface {
	InsertSession(ctx context.Context, s Session) error
	UpdateSessionEnd(ctx context.Context, s Session) error
	InsertRiskFlag(ctx context.Context, sessionID uuid.UUID, flag intake.RiskFlag) error
}

// FrameSource yields camera frames for the periodic capture loop.
type FrameSource interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// Controller owns one live session. The transcript and current triage are
// written only by the serialized voice channel; the vision results only by
// the vision channel. Cross-channel reads take the latest completed value.
type Controller struct {
	client    Client
	store     Store
	hub       Publisher
	log       *zap.Logger
	collector *metrics.Collector

	frameInterval time.Duration
	frameLimiter  *rate.Limiter

	mu            sync.Mutex
	session       *Session
	state         SessionState
	voiceInFlight bool
	latestVision  *gateway.VisionResult
	stopFrames    context.CancelFunc
}

func newController(patientID uuid.UUID, client Client, store Store, hub Publisher, frameInterval time.Duration, log *zap.Logger, collector *metrics.Collector) *Controller {
	c := &Controller{
		client:        client,
		store:         store,
		hub:           hub,
		log:           log,
		collector:     collector,
		frameInterval: frameInterval,
		frameLimiter:  rate.NewLimiter(rate.Every(frameInterval), 1),
		state:         StateActive,
		session: &Session{
			ID:        uuid.New(),
			PatientID: patientID,
			StartTime: time.Now().UTC(),
		},
	}

	if c.store != nil {
		go c.persist(func(ctx context.Context, s Session) error {
			return c.store.InsertSession(ctx, s)
		})
	}
	if c.hub != nil {
		c.hub.Publish(c.session.ID, "session_started", nil)
	}
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// Snapshot returns a copy of the session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// State returns the current lifecycle state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProcessVoiceInput runs one triage turn for a completed utterance. At most
// one turn is in flight per session; a re-entrant call gets ErrTriageBusy.
// The latest completed vision result at call time rides along as advisory
// context. On success the user turn and assistant reply are appended in that
// order and the current triage is replaced.
func (c *Controller) ProcessVoiceInput(ctx context.Context, transcript string) (*gateway.LiveTriageResult, error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil, ErrSessionEnded
	}
	if c.voiceInFlight {
		c.mu.Unlock()
		c.countVoice("busy")
		return nil, ErrTriageBusy
	}
	c.voiceInFlight = true
	sessionID := c.session.ID
	req := gateway.LiveTriageRequest{
		Transcript:          transcript,
		ConversationHistory: c.historyLocked(),
		ImageAnalysis:       c.latestVision,
	}
	c.mu.Unlock()

	res, err := c.client.LiveTriage(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceInFlight = false

	if err != nil {
		c.countVoice("error")
		return nil, err
	}
	if c.state != StateActive {
		// The session ended while the call was in flight.
		if c.collector != nil {
			c.collector.LateResultsDropped.Inc()
		}
		return nil, ErrSessionEnded
	}

	now := time.Now().UTC()
	c.session.Messages = append(c.session.Messages, Message{
		Role: RoleUser, Content: transcript, Timestamp: now,
	})
	if res.Response != "" {
		c.session.Messages = append(c.session.Messages, Message{
			Role: RoleAssistant, Content: res.Response, Timestamp: now,
		})
	}
	c.session.CurrentTriage = res

	if res.ShouldEscalate {
		c.raiseEscalationLocked(transcript, res)
	}

	c.countVoice("success")
	if c.hub != nil {
		c.hub.Publish(sessionID, "voice_turn", res)
	}
	return res, nil
}

// AnalyzeFrame analyzes one camera frame. Calls run concurrently with voice
// turns and with each other; results land in completion order and the most
// recent completion becomes the context for the next voice turn. The rate
// limiter bounds manual captures the same as the periodic loop.
func (c *Controller) AnalyzeFrame(ctx context.Context, frame []byte) (*gateway.VisionResult, error) {
	if err := c.frameLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil, ErrSessionEnded
	}
	sessionID := c.session.ID
	c.mu.Unlock()

	res, err := c.client.LiveVision(ctx, frame)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.countFrame("error")
		return nil, err
	}
	if c.state != StateActive {
		// Completed after end(): the session is closed, the result is dropped.
		if c.collector != nil {
			c.collector.LateResultsDropped.Inc()
		}
		return nil, ErrSessionEnded
	}

	c.session.VisionResults = append(c.session.VisionResults, res)
	c.latestVision = res

	c.countFrame("success")
	if c.hub != nil {
		c.hub.Publish(sessionID, "frame_analyzed", res)
	}
	return res, nil
}

// StartFrameLoop begins periodic capture from src. Errors from individual
// frames are logged and the loop keeps going; the loop stops when the
// session ends. Starting twice is a no-op.
func (c *Controller) StartFrameLoop(src FrameSource) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if c.stopFrames != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopFrames = cancel
	sessionID := c.session.ID
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.frameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame, err := src.CaptureFrame(ctx)
				if err != nil {
					c.log.Debug("frame capture failed",
						zap.String("session_id", sessionID.String()), zap.Error(err))
					continue
				}
				if _, err := c.AnalyzeFrame(ctx, frame); err != nil {
					if err == ErrSessionEnded || ctx.Err() != nil {
						return
					}
					c.log.Warn("frame analysis failed",
						zap.String("session_id", sessionID.String()), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// End closes the session. The first call sets the end time, snapshots the
// final triage and cancels the frame loop, returning closed=true; every
// later call is a no-op returning the same closed session.
func (c *Controller) End() (Session, bool) {
	c.mu.Lock()
	if c.state == StateEnded {
		snap := c.session.Snapshot()
		c.mu.Unlock()
		return snap, false
	}

	now := time.Now().UTC()
	c.state = StateEnded
	c.session.EndTime = &now
	c.session.FinalTriage = c.session.CurrentTriage
	if c.stopFrames != nil {
		c.stopFrames()
		c.stopFrames = nil
	}
	sessionID := c.session.ID
	snap := c.session.Snapshot()
	c.mu.Unlock()

	if c.store != nil {
		go c.persist(func(ctx context.Context, s Session) error {
			return c.store.UpdateSessionEnd(ctx, s)
		})
	}
	if c.hub != nil {
		c.hub.Publish(sessionID, "session_ended", nil)
	}
	return snap, true
}

// ReportRequest assembles the gateway report input from the session.
func (c *Controller) ReportRequest() gateway.ReportRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := gateway.ReportRequest{
		SessionID:  c.session.ID.String(),
		Transcript: c.historyLocked(),
		VisionData: append([]*gateway.VisionResult(nil), c.session.VisionResults...),
	}
	if c.session.FinalTriage != nil {
		req.FinalTriage = c.session.FinalTriage
	} else {
		req.FinalTriage = c.session.CurrentTriage
	}
	return req
}

func (c *Controller) historyLocked() []gateway.ConversationTurn {
	turns := make([]gateway.ConversationTurn, 0, len(c.session.Messages))
	for _, m := range c.session.Messages {
		turns = append(turns, gateway.ConversationTurn{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return turns
}

// raiseEscalationLocked records an emergency flag and alerts observers. The
// session stays active; ending it is the operator's call.
func (c *Controller) raiseEscalationLocked(transcript string, res *gateway.LiveTriageResult) {
	c.session.Escalated = true

	flag := intake.RiskFlag{
		ID:                 uuid.New(),
		Type:               intake.FlagEmergency,
		Code:               intake.CodeRedFlag,
		Description:        "Live triage recommended emergency escalation",
		DetectedFrom:       intake.SourceLiveTriage,
		Confidence:         100,
		RequiresEscalation: true,
		DetectedAt:         time.Now().UTC(),
	}
	sessionID := c.session.ID

	c.log.Warn("live session escalation raised",
		zap.String("session_id", sessionID.String()),
		zap.String("triage_level", res.TriageLevel),
		zap.String("transcript", transcript),
	)
	if c.collector != nil {
		c.collector.EscalationsRaised.Inc()
		c.collector.EmergencyFlagsTotal.WithLabelValues(intake.SourceLiveTriage).Inc()
	}
	if c.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.store.InsertRiskFlag(ctx, sessionID, flag); err != nil {
				c.logStoreFailure("risk_flags", err)
			}
		}()
	}
	if c.hub != nil {
		c.hub.Publish(sessionID, "escalation", res)
	}
}

func (c *Controller) persist(fn func(context.Context, Session) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx, c.Snapshot()); err != nil {
		c.logStoreFailure("live_sessions", err)
	}
}

func (c *Controller) logStoreFailure(table string, err error) {
	c.log.Warn("record store write failed",
		zap.String("table", table), zap.Error(err))
	if c.collector != nil {
		c.collector.RecordStoreFailures.WithLabelValues(table).Inc()
	}
}

func (c *Controller) countVoice(outcome string) {
	if c.collector != nil {
		c.collector.VoiceTurnsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Controller) countFrame(outcome string) {
	if c.collector != nil {
		c.collector.VisionFramesTotal.WithLabelValues(outcome).Inc()
	}
}
