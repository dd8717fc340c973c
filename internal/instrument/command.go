package instrument

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/adapter"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// CommandTelemetry records command executions.
type CommandTelemetry struct {
	base
}

// NewCommandTelemetry constructs the command facade.
func NewCommandTelemetry(d Deps) *CommandTelemetry {
	return &CommandTelemetry{base: newBase(adapter.DomainCommand, d)}
}

// Record emits command.completed, or command.failed when err is set or the
// exit code is non-zero. The first argument is treated as the subcommand.
func (c *CommandTelemetry) Record(ctx context.Context, command string, args []string, exitCode int, duration time.Duration, err error) {
	name := "command.completed"
	errMsg := errorText(err)
	if err != nil || exitCode != 0 {
		name = "command.failed"
		if errMsg == "" {
			errMsg = "exit code " + strconv.Itoa(exitCode)
		}
	}

	data := models.Fields{
		"command":   models.String(command),
		"exit_code": models.Number(float64(exitCode)),
		"arg_count": models.Number(float64(len(args))),
	}
	if len(args) > 0 {
		data["subcommand"] = models.String(args[0])
		data["args"] = models.String(strings.Join(args, " "))
	}

	c.emit(ctx, adapter.Payload{
		EventName:  name,
		Data:       data,
		Error:      errMsg,
		DurationMS: millis(duration),
	})
}

// FragmentTelemetry records fragment-processing pipeline stages.
type FragmentTelemetry struct {
	base
}

// NewFragmentTelemetry constructs the fragment facade.
func NewFragmentTelemetry(d Deps) *FragmentTelemetry {
	return &FragmentTelemetry{base: newBase(adapter.DomainFragment, d)}
}

// RecordStage emits fragment.stage_completed or fragment.stage_failed and a
// fragment.processed counter.
func (f *FragmentTelemetry) RecordStage(ctx context.Context, pipeline, stage string, fragments int, duration time.Duration, err error) {
	name := "fragment.stage_completed"
	if err != nil {
		name = "fragment.stage_failed"
	}
	if fragments < 0 {
		fragments = 0
	}
	data := models.Fields{
		"pipeline":  models.String(pipeline),
		"stage":     models.String(stage),
		"fragments": models.Number(float64(fragments)),
	}
	if seconds := duration.Seconds(); seconds > 0 {
		data["fragments_per_second"] = models.Number(float64(fragments) / seconds)
	}

	if !f.admit(name) {
		return
	}
	f.send(ctx, adapter.Payload{
		EventName:  name,
		Data:       data,
		Error:      errorText(err),
		DurationMS: millis(duration),
	})
	f.metric(ctx, "fragment.processed", float64(fragments), map[string]string{"component": pipeline, "stage": stage}, models.MetricCounter)
}
