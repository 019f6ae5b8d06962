package authgate

import (
	"context"
	"time"

	"github.com/MrEthical07/authgate/token"
)

const (
	auditEventRateLimited    = "rate_limited"
	auditEventAuthFailure    = "auth_failure"
	auditEventRefreshFailure = "refresh_failure"
)

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent, err error) {
	if e == nil || e.audit == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event.Timestamp = e.now().UTC()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	if id := requestIDFromContext(ctx); id != "" {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		event.Metadata["request_id"] = id
	}
	if err != nil {
		event.Error = ErrorCode(err)
	}
	e.audit.Emit(ctx, event)
}

// onTokenEvent receives lifecycle transitions from the token manager. Events fire after
// the store write that caused them, so counters here count real transitions only.
func (e *Engine) onTokenEvent(ev token.Event) {
	switch ev.Kind {
	case token.EventReuseDetected:
		e.metricInc(MetricRefreshReuseDetected)
	case token.EventFamilyRevoked:
		e.metricInc(MetricFamilyRevoked)
	case token.EventTokenRevoked:
		e.metricInc(MetricTokenRevoked)
	case token.EventSubjectRevoked:
		e.metricInc(MetricSubjectRevoked)
	case token.EventAPIKeyIssued:
		e.metricInc(MetricAPIKeyIssued)
	case token.EventAPIKeyRevoked:
		e.metricInc(MetricAPIKeyRevoked)
	}

	var metadata map[string]string
	if ev.Reason != "" {
		metadata = map[string]string{"reason": ev.Reason}
	}
	e.emitAudit(context.Background(), AuditEvent{
		EventType: string(ev.Kind),
		SubjectID: ev.SubjectID,
		FamilyID:  ev.FamilyID,
		TokenID:   ev.TokenID,
		Success:   ev.Kind != token.EventReuseDetected,
		Metadata:  metadata,
	}, nil)
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

func (e *Engine) observeSince(id MetricID, start time.Time) {
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(id, time.Since(start))
	}
}
