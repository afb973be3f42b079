// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"time"

	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/pkg/workflow"
)

// Boundary decision reasons.
const (
	ReasonCountMet     = "count_met"
	ReasonThresholdMet = "threshold_met_with_deadline"
	ReasonDeadline     = "deadline_passed"
	ReasonNotSatisfied = "not_satisfied"
)

// Rule is a normalized satisfaction rule, cut from a foreach or join
// config at the call site so evaluation itself is kind-agnostic.
type Rule struct {
	// MinCount satisfies the boundary as soon as this many successes exist
	MinCount *int

	// MinSuccessPercent is the threshold applied once the sealed
	// population is fully processed
	MinSuccessPercent float64

	// FailOnDeadline decides the subject's fate when the deadline fires
	FailOnDeadline bool
}

// ForeachRule cuts the rule for a fan-out parent. Foreach batches have no
// early-exit count, and an unset threshold means any outcome completes the
// batch cleanly.
func ForeachRule(cfg *workflow.ForeachConfig) Rule {
	if cfg == nil {
		return Rule{}
	}
	return Rule{
		MinSuccessPercent: cfg.MinSuccessPercent,
		FailOnDeadline:    cfg.FailOnDeadline,
	}
}

// JoinRule cuts the rule for a fan-in step. An unstated join threshold
// means "all of them": the step exists to gate the run on its population.
func JoinRule(cfg *workflow.JoinConfig) Rule {
	r := Rule{MinSuccessPercent: 100}
	if cfg == nil || cfg.Boundary == nil {
		return r
	}
	b := cfg.Boundary
	r.MinCount = b.MinCount
	if b.MinSuccessPercent != nil {
		r.MinSuccessPercent = *b.MinSuccessPercent
	}
	r.FailOnDeadline = b.FailOnTimeout
	return r
}

// Decision is one boundary evaluation outcome.
type Decision struct {
	Satisfied      bool    `json:"satisfied"`
	Reason         string  `json:"reason"`
	SuccessPercent float64 `json:"successPercent"`

	// Failed means the subject task settles as failed
	Failed bool `json:"failed,omitempty"`

	// Warning means the boundary satisfied below its success threshold.
	// A foreach parent completes with the warning recorded; a join that
	// misses its threshold on a sealed population fails instead.
	Warning bool `json:"warning,omitempty"`
}

// EvaluateBoundary decides whether a batch boundary is satisfied. It is a
// pure function of its inputs: re-evaluating the same counters, rule and
// clock yields the same decision, so duplicate evaluations are harmless.
//
// Checks run in priority order: the early-exit count beats sealing, a
// sealed fully-processed population beats the deadline, and the deadline
// forces an outcome on whatever partial results exist.
func EvaluateBoundary(c store.BatchCounters, sealed bool, rule Rule, deadlineAt *time.Time, now time.Time) Decision {
	pct := successPercent(c)

	if rule.MinCount != nil && c.ProcessedCount >= int64(*rule.MinCount) {
		return Decision{Satisfied: true, Reason: ReasonCountMet, SuccessPercent: pct}
	}
	if sealed && c.Done() >= c.ExpectedCount {
		return Decision{
			Satisfied:      true,
			Reason:         ReasonThresholdMet,
			SuccessPercent: pct,
			Warning:        pct < rule.MinSuccessPercent,
		}
	}
	if deadlineAt != nil && !now.Before(*deadlineAt) {
		return Decision{
			Satisfied:      true,
			Reason:         ReasonDeadline,
			SuccessPercent: pct,
			Failed:         rule.FailOnDeadline,
			Warning:        pct < rule.MinSuccessPercent,
		}
	}
	return Decision{Reason: ReasonNotSatisfied, SuccessPercent: pct}
}

// successPercent is processed over the best known population size. Sealed
// batches always have expected >= received, so this is the documented
// processed/expected; before sealing the received count is the only honest
// denominator. An empty population is vacuously successful.
func successPercent(c store.BatchCounters) float64 {
	n := c.ExpectedCount
	if c.ReceivedCount > n {
		n = c.ReceivedCount
	}
	if n <= 0 {
		return 100
	}
	return 100 * float64(c.ProcessedCount) / float64(n)
}

// countPopulation derives counters from a computed join population.
// Cancelled members count as failed: they will never complete. Archived
// members are not population: retired duplicates land there.
func countPopulation(tasks []*store.Task) store.BatchCounters {
	var c store.BatchCounters
	for _, t := range tasks {
		if t.Archived {
			continue
		}
		switch t.Status {
		case store.TaskStatusCompleted:
			c.ProcessedCount++
		case store.TaskStatusFailed, store.TaskStatusCancelled:
			c.FailedCount++
		}
		c.ExpectedCount++
	}
	c.ReceivedCount = c.ExpectedCount
	return c
}

// countByStatus derives counters from a grouped status count.
func countByStatus(counts map[store.TaskStatus]int64) store.BatchCounters {
	var c store.BatchCounters
	for status, n := range counts {
		c.ExpectedCount += n
		switch status {
		case store.TaskStatusCompleted:
			c.ProcessedCount += n
		case store.TaskStatusFailed, store.TaskStatusCancelled:
			c.FailedCount += n
		}
	}
	c.ReceivedCount = c.ExpectedCount
	return c
}
