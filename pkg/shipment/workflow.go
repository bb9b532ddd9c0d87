package shipment

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/petrijr/shipflow/pkg/api"
)

const issueDetails = "Documentation discrepancy found - requires manual review"

// Definition returns the lifecycle workflow for cfg. Callers should
// validate cfg first.
func Definition(cfg Config) api.WorkflowDefinition {
	l := &lifecycle{cfg: cfg}
	return api.WorkflowDefinition{Name: WorkflowName, Fn: l.run}
}

type lifecycle struct {
	cfg Config
}

func (l *lifecycle) run(wf api.Context) (any, error) {
	var in Input
	if err := wf.Input(&in); err != nil {
		return nil, fmt.Errorf("decode shipment input: %w", err)
	}
	if in.Destination == "" {
		return nil, errors.New("shipment has no destination")
	}
	in = in.WithDefaults()
	if in.ShipmentID == "" {
		in.ShipmentID = wf.InstanceID()
	}
	log := wf.Logger().With(slog.String("shipment_id", in.ShipmentID))
	dest := in.Destination

	if err := wf.Advance(string(StagePending), in.Origin); err != nil {
		return nil, err
	}
	log.Info("shipment created", slog.String("origin", in.Origin), slog.String("destination", dest))

	if err := l.leg(wf, "transit", l.cfg.Transit, StageInTransit, "En route to "+dest); err != nil {
		return nil, err
	}
	if err := l.leg(wf, "customs", l.cfg.Customs, StageAtCustoms, "Customs checkpoint - "+dest); err != nil {
		return nil, err
	}

	res := Result{ShipmentID: in.ShipmentID, Status: StageDelivered}
	err := wf.Decide(DecisionCustomsIssue, func(r *rand.Rand) (any, error) {
		return in.random(r, DecisionCustomsIssue).Float64() < l.cfg.IssueProbability, nil
	}, &res.IssueDetected)
	if err != nil {
		return nil, err
	}

	if res.IssueDetected {
		log.Warn("issue detected at customs")
		if err := l.resolve(wf, log, in, &res); err != nil {
			return nil, err
		}
	} else {
		if err := l.leg(wf, "clearance", l.cfg.Clearance, StageClearedCustoms, "Customs cleared - "+dest); err != nil {
			return nil, err
		}
	}

	if err := l.leg(wf, "delivery", l.cfg.Delivery, StageDelivered, "Delivered to "+dest); err != nil {
		return nil, err
	}
	log.Info("shipment delivered", slog.Int("cost", res.Cost))
	return res, nil
}

// leg sleeps on timer key for d and then advances to stage.
func (l *lifecycle) leg(wf api.Context, key string, d time.Duration, stage Stage, location string) error {
	if err := wf.Sleep(key, d); err != nil {
		return err
	}
	return wf.Advance(string(stage), location)
}

// resolve parks the shipment until the resolve signal names a strategy, then
// charges its cost and waits out its delay.
func (l *lifecycle) resolve(wf api.Context, log *slog.Logger, in Input, res *Result) error {
	dest := in.Destination
	if err := l.leg(wf, "inspection", l.cfg.Inspection, StageIssueDetected, "Customs checkpoint - "+dest); err != nil {
		return err
	}
	if err := wf.Advance(string(StageAwaitingResolution), "Customs checkpoint - "+dest); err != nil {
		return err
	}

	var choice Resolution
	if err := wf.WaitSignal(ResolveSignal, &choice); err != nil {
		return err
	}
	strategy, perr := ParseStrategy(choice.Strategy)
	if perr != nil {
		log.Warn("unknown resolution strategy, using standard processing", slog.String("strategy", choice.Strategy))
		strategy = StrategyWait
	}
	res.Strategy = strategy
	band := l.cfg.Bands[strategy]

	err := wf.Decide(DecisionResolutionCost, func(r *rand.Rand) (any, error) {
		if band.MaxCost <= band.MinCost {
			return band.MinCost, nil
		}
		return band.MinCost + in.random(r, DecisionResolutionCost).IntN(band.MaxCost-band.MinCost+1), nil
	}, &res.Cost)
	if err != nil {
		return err
	}
	log.Info("resolution chosen", slog.String("strategy", string(strategy)), slog.Int("cost", res.Cost))

	location := "Customs cleared - " + dest
	if perr == nil {
		location = clearedLocation(strategy, dest)
	}
	return l.leg(wf, "resolution", band.Delay, StageClearedCustoms, location)
}

func clearedLocation(s Strategy, dest string) string {
	switch s {
	case StrategyExpress:
		return "Customs cleared (Express Service) - " + dest
	case StrategyFacilitation:
		return "Customs cleared (Expedited Processing) - " + dest
	case StrategyReroute:
		return "Rerouted and cleared (Alternative Port) - " + dest
	default:
		return "Customs cleared (Standard Processing) - " + dest
	}
}

// random returns the source for decision key: r itself, or a generator
// derived from the shipment's seed and the key.
func (in Input) random(r *rand.Rand, key string) *rand.Rand {
	if in.Seed == nil {
		return r
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return rand.New(rand.NewPCG(*in.Seed, h.Sum64()))
}
