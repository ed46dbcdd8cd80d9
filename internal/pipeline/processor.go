package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// ProcessorDriver forwards events from its input to its successors, removing
// the excluded fields from records and table definitions
type ProcessorDriver struct {
	spec    *NodeSpec
	input   *Queue
	outputs []*Queue
	exclude map[string]bool
	logger  *zap.Logger
	metrics *observability.NodeMetrics
}

func newProcessorDriver(e *Engine, spec *NodeSpec, input *Queue, outputs []*Queue) *ProcessorDriver {
	exclude := make(map[string]bool, len(spec.Exclude))
	for _, f := range spec.Exclude {
		exclude[f] = true
	}
	return &ProcessorDriver{
		spec:    spec,
		input:   input,
		outputs: outputs,
		exclude: exclude,
		logger:  e.logger.With(zap.String("node_id", spec.ID)),
		metrics: observability.NewNodeMetrics(e.graph.ID, spec.ID),
	}
}

// Run forwards arrivals until every upstream producer is done
func (d *ProcessorDriver) Run(ctx context.Context) error {
	defer func() {
		for _, q := range d.outputs {
			q.Done()
		}
	}()
	if d.input == nil {
		return nil
	}
	for {
		a, ok, err := d.input.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}
		d.metrics.RecordEvents("in", len(a.Events))
		if err := d.forward(ctx, a.Events); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.metrics.RecordEvents("out", len(a.Events))
	}
}

func (d *ProcessorDriver) forward(ctx context.Context, events []models.Event) error {
	var patrols []*models.Patrol
	for i, e := range events {
		switch v := e.(type) {
		case models.RecordEvent:
			for _, image := range v.Images() {
				d.strip(image)
			}
		case *models.Forerunner:
			c := *v
			c.Table = d.stripTable(v.Table)
			events[i] = &c
		case *models.CreateTable:
			c := *v
			c.Table = d.stripTable(v.Table)
			events[i] = &c
		case *models.AlterTable:
			c := *v
			c.Table = d.stripTable(v.Table)
			events[i] = &c
		case *models.Patrol:
			v.Apply(d.spec.ID, models.PatrolEnter)
			patrols = append(patrols, v)
		}
	}
	if err := fanout(ctx, d.outputs, d.spec.ID, events); err != nil {
		return err
	}
	for _, p := range patrols {
		p.Apply(d.spec.ID, models.PatrolLeave)
	}
	return nil
}

func (d *ProcessorDriver) strip(image map[string]interface{}) {
	for f := range d.exclude {
		delete(image, f)
	}
}

func (d *ProcessorDriver) stripTable(t *schema.Table) *schema.Table {
	if t == nil || len(d.exclude) == 0 {
		return t
	}
	c := t.Clone()
	for f := range d.exclude {
		c.Remove(f)
	}
	return c
}
