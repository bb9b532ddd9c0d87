// Package shipment defines the shipment lifecycle workflow: a container moves
// from the origin warehouse through customs to its destination, and a
// customs issue parks it until an operator picks a resolution strategy.
package shipment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowName is the name the lifecycle definition is registered under.
const WorkflowName = "shipment-lifecycle"

// ResolveSignal is the signal that carries a Resolution.
const ResolveSignal = "resolve"

// Decision keys recorded in the event log.
const (
	DecisionCustomsIssue   = "customs.issue"
	DecisionResolutionCost = "resolution.cost"
)

// Stage is a step of the shipment lifecycle.
type Stage string

const (
	StagePending            Stage = "Pending"
	StageInTransit          Stage = "In Transit"
	StageAtCustoms          Stage = "At Customs"
	StageIssueDetected      Stage = "Issue Detected"
	StageAwaitingResolution Stage = "Awaiting Resolution"
	StageClearedCustoms     Stage = "Cleared Customs"
	StageDelivered          Stage = "Delivered"
)

// Strategy is how a customs issue gets resolved.
type Strategy string

const (
	StrategyExpress      Strategy = "express"
	StrategyFacilitation Strategy = "facilitation"
	StrategyReroute      Strategy = "reroute"
	StrategyWait         Strategy = "wait"
)

// Strategies lists every strategy, fastest first.
func Strategies() []Strategy {
	return []Strategy{StrategyExpress, StrategyFacilitation, StrategyReroute, StrategyWait}
}

// ParseStrategy maps a strategy name to a Strategy. It is case-insensitive
// and accepts the dashboard's older names "expedite" and "bribe_official".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "express", "expedite":
		return StrategyExpress, nil
	case "facilitation", "bribe_official":
		return StrategyFacilitation, nil
	case "reroute":
		return StrategyReroute, nil
	case "wait":
		return StrategyWait, nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// Band is the delay and cost range of one strategy. Costs are whole
// currency units, drawn uniformly from [MinCost, MaxCost].
type Band struct {
	Delay   time.Duration `yaml:"delay"`
	MinCost int           `yaml:"min_cost"`
	MaxCost int           `yaml:"max_cost"`
}

// Config holds the simulated durations and probabilities of the lifecycle.
type Config struct {
	// IssueProbability is the chance that customs flags a problem.
	IssueProbability float64 `yaml:"issue_probability"`

	Transit    time.Duration `yaml:"transit"`
	Customs    time.Duration `yaml:"customs"`
	Inspection time.Duration `yaml:"inspection"`
	Clearance  time.Duration `yaml:"clearance"`
	Delivery   time.Duration `yaml:"delivery"`

	Bands map[Strategy]Band `yaml:"strategies"`
}

// DefaultConfig returns the demo timings: a few seconds per leg and a 60%
// chance of a customs issue.
func DefaultConfig() Config {
	return Config{
		IssueProbability: 0.6,
		Transit:          3 * time.Second,
		Customs:          3 * time.Second,
		Inspection:       2 * time.Second,
		Clearance:        2 * time.Second,
		Delivery:         3 * time.Second,
		Bands: map[Strategy]Band{
			StrategyExpress:      {Delay: 2 * time.Second, MinCost: 4500, MaxCost: 5500},
			StrategyFacilitation: {Delay: 3 * time.Second, MinCost: 2000, MaxCost: 3000},
			StrategyReroute:      {Delay: 4 * time.Second, MinCost: 2800, MaxCost: 3600},
			StrategyWait:         {Delay: 6 * time.Second},
		},
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.IssueProbability < 0 || c.IssueProbability > 1 {
		return fmt.Errorf("issue probability %v outside [0, 1]", c.IssueProbability)
	}
	for name, d := range map[string]time.Duration{
		"transit": c.Transit, "customs": c.Customs, "inspection": c.Inspection,
		"clearance": c.Clearance, "delivery": c.Delivery,
	} {
		if d < 0 {
			return fmt.Errorf("%s delay is negative", name)
		}
	}
	for _, s := range Strategies() {
		b, ok := c.Bands[s]
		if !ok {
			return fmt.Errorf("no band for strategy %s", s)
		}
		if b.Delay < 0 || b.MinCost < 0 || b.MaxCost < b.MinCost {
			return fmt.Errorf("invalid band for strategy %s: %+v", s, b)
		}
	}
	return nil
}

// Input is the shipment a lifecycle instance tracks.
type Input struct {
	ShipmentID    string `json:"shipment_id"`
	Project       string `json:"project_name"`
	Supplier      string `json:"supplier_name"`
	Origin        string `json:"origin"`
	Destination   string `json:"destination"`
	CargoValue    int    `json:"cargo_value,omitempty"`
	Priority      string `json:"priority"`
	ContainerType string `json:"container_type"`

	// Seed, when set, makes the customs and cost decisions reproducible.
	Seed *uint64 `json:"seed,omitempty"`
}

// WithDefaults fills in the optional fields the way the shipment form does.
func (in Input) WithDefaults() Input {
	if in.Origin == "" {
		in.Origin = "Warehouse Alpha"
	}
	if in.Priority == "" {
		in.Priority = "Standard"
	}
	if in.ContainerType == "" {
		in.ContainerType = "40ft Standard"
	}
	return in
}

// Resolution is the payload of the resolve signal.
type Resolution struct {
	Strategy string `json:"strategy"`
}

// Result is the output of a delivered shipment.
type Result struct {
	ShipmentID    string   `json:"shipment_id"`
	Status        Stage    `json:"status"`
	IssueDetected bool     `json:"issue_detected"`
	Strategy      Strategy `json:"strategy,omitempty"`
	Cost          int      `json:"cost"`
}

// NewShipmentID returns an ID of the form SHP-MMDDHHMM-XXXX.
func NewShipmentID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return "SHP-" + now.Format("01021504") + "-" + suffix
}
