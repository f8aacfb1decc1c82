package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/inventory-saga/internal/wal"
)

const tracerName = "github.com/jcmexdev/inventory-saga/internal/coordinator"

// Step represents a single unit of work in the Saga.
// Each step must have a compensating action to undo its effects.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// Retainer is implemented by steps whose failure must leave some earlier
// steps in place. Retains returns the names of those steps; their
// compensations are skipped when this step fails.
type Retainer interface {
	Retains() []string
}

// StepError reports which step stopped the saga.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Orchestrator manages the execution of a collection of Steps.
type Orchestrator struct {
	txID  string
	steps []Step
	wal   *wal.Service // nil-safe: the saga end is not logged if nil
	log   *slog.Logger

	// Entities, when set, supplies the entity ids recorded on the terminal
	// SAGA entry.
	Entities func() map[string]string
}

func NewOrchestrator(txID string, steps []Step, journal *wal.Service, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{txID: txID, steps: steps, wal: journal, log: log}
}

// Start runs the saga steps sequentially.
// If a step fails, it triggers the compensation of all previously successful
// steps in reverse order and returns a *StepError. Every run ends with a
// SAGA_COMMIT or SAGA_ABORT entry.
func (o *Orchestrator) Start(ctx context.Context) error {
	var successfulSteps []Step

	for _, step := range o.steps {
		o.log.InfoContext(ctx, "executing step", "tx_id", o.txID, "step", step.Name())
		if err := o.run(ctx, step.Name(), "execute", step.Execute); err != nil {
			o.log.WarnContext(ctx, "step failed, starting rollback", "tx_id", o.txID, "step", step.Name(), "error", err)

			var retained []string
			if r, ok := step.(Retainer); ok {
				retained = r.Retains()
			}
			o.rollback(ctx, successfulSteps, retained)
			o.end(ctx, false, fmt.Sprintf("%s failed: %v", step.Name(), err))
			return &StepError{Step: step.Name(), Err: err}
		}
		// Track successful step for potential compensation (LIFO)
		successfulSteps = append(successfulSteps, step)
	}

	o.log.InfoContext(ctx, "saga completed successfully", "tx_id", o.txID)
	o.end(ctx, true, "completed")
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, steps []Step, retained []string) {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if slices.Contains(retained, step.Name()) {
			o.log.WarnContext(ctx, "step retained, skipping compensation", "tx_id", o.txID, "step", step.Name())
			continue
		}
		o.log.InfoContext(ctx, "compensating step", "tx_id", o.txID, "step", step.Name())
		if err := o.run(ctx, step.Name(), "compensate", step.Compensate); err != nil {
			o.log.ErrorContext(ctx, "CRITICAL: failed to compensate step",
				"tx_id", o.txID, "step", step.Name(), "error", err)
		}
	}
}

// run calls fn inside a span and turns a panic into an error so the unwind
// still happens.
func (o *Orchestrator) run(ctx context.Context, name, action string, fn func(context.Context) error) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name+"."+action)
	span.SetAttributes(attribute.String("saga.tx_id", o.txID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx)
}

func (o *Orchestrator) end(ctx context.Context, committed bool, message string) {
	if o.wal == nil {
		return
	}
	var entities map[string]string
	if o.Entities != nil {
		entities = o.Entities()
	}
	if _, err := o.wal.LogSagaEnd(ctx, o.txID, committed, entities, message); err != nil {
		o.log.ErrorContext(ctx, "failed to log saga end", "tx_id", o.txID, "error", err)
	}
}
