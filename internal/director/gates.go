package director

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/registry"
)

// Quality gate names.
const (
	GateCodeQuality  = "code_quality"
	GateTestCoverage = "test_coverage"
	GatePerformance  = "performance"
	GateSecurity     = "security"
)

func knownGate(name string) bool {
	switch name {
	case GateCodeQuality, GateTestCoverage, GatePerformance, GateSecurity:
		return true
	}
	return false
}

// gateThreshold returns the minimum passing score for a gate.
func (d *Director) gateThreshold(name string) (float64, bool) {
	switch name {
	case GateCodeQuality:
		return d.cfg.Gates.CodeQuality, true
	case GateTestCoverage:
		return d.cfg.Gates.TestCoverage, true
	case GatePerformance:
		return d.cfg.Gates.Performance, true
	case GateSecurity:
		return d.cfg.Gates.Security, true
	}
	return 0, false
}

// evaluateGates scores each named gate for the session. Thresholds are
// boundary inclusive. Security gates are non-retryable by policy.
func (d *Director) evaluateGates(ctx context.Context, sessionID string, names []string) ([]GateResult, error) {
	sess, err := d.registry.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session %s for gate evaluation: %w", sessionID, err)
	}

	now := time.Now().UTC()
	out := make([]GateResult, 0, len(names))
	for _, name := range names {
		threshold, ok := d.gateThreshold(name)
		if !ok {
			return nil, terminal(orchErr(CodeGateFailed, "unknown quality gate %q", name))
		}
		score := d.gateScore(ctx, sess, name)
		out = append(out, GateResult{
			Name:      name,
			Passed:    score >= threshold,
			Score:     score,
			Threshold: threshold,
			Retryable: name != GateSecurity,
			Timestamp: now,
		})
	}
	return out, nil
}

// gateScore resolves a gate's score. An explicit "score:<gate>" entry in
// the session metadata wins; otherwise the score is derived from the
// session's departments' recorded performance.
func (d *Director) gateScore(ctx context.Context, sess *registry.Session, gate string) float64 {
	if raw, ok := sess.Metadata["score:"+gate]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return v
		}
		d.logger.Warn(ctx, "unparseable gate score in session metadata",
			zap.String("session_id", sess.ID),
			zap.String("gate", gate),
			zap.String("value", raw),
		)
	}
	return d.derivedScore(sess.ID)
}

// derivedScore averages the success rate across the session's departments
// that have finished at least one task, scaled to 0-100. A session with no
// recorded work scores zero, which fails every gate.
func (d *Director) derivedScore(sessionID string) float64 {
	depts := d.registry.GetDepartmentsBySession(sessionID)
	var sum float64
	n := 0
	for _, dept := range depts {
		perf := dept.Performance
		if perf.TasksCompleted+perf.TasksFailed == 0 {
			continue
		}
		sum += perf.SuccessRate * 100
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
