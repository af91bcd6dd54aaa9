package repository

import (
	"time"

	"github.com/openbmc-go/pel-manager/internal/pel"
)

// Attributes is the per-stored-PEL sidecar record, persisted as JSON in the
// bbolt "attributes" bucket and mirrored in memory for classification and
// pruning, per §4.2's Repository attributes entity.
type Attributes struct {
	PELID          uint32                `json:"pelId"`
	OBMCID         uint32                `json:"obmcId"`
	CreateTS       time.Time             `json:"createTs"`
	CommitTS       time.Time             `json:"commitTs"`
	Creator        byte                  `json:"creator"`
	Severity       byte                  `json:"severity"`
	ActionFlags    uint16                `json:"actionFlags"`
	SizeBytes      int                   `json:"sizeBytes"`
	HostTransState pel.TransmissionState `json:"hostTransState"`
	HMCTransState  pel.TransmissionState `json:"hmcTransState"`

	// Resolved is the manager's resolution flag (SPEC_FULL.md §8), stored
	// here rather than in the wire-format blob since §6 only fixes offsets
	// for the two transmission-state bytes.
	Resolved bool `json:"resolved"`

	Path string `json:"path"`
}

// SizeClass is one of the four disjoint repository size-statistics classes
// used by the pruner, per §4.2.
type SizeClass int

const (
	BMCInformational SizeClass = iota
	BMCServiceable
	NonBMCInformational
	NonBMCServiceable
)

func (c SizeClass) String() string {
	switch c {
	case BMCInformational:
		return "bmc-informational"
	case BMCServiceable:
		return "bmc-serviceable"
	case NonBMCInformational:
		return "non-bmc-informational"
	case NonBMCServiceable:
		return "non-bmc-serviceable"
	default:
		return "unknown"
	}
}

// AllSizeClasses lists every class in the order §4.2's pruning policy
// processes them.
var AllSizeClasses = []SizeClass{
	BMCInformational,
	BMCServiceable,
	NonBMCInformational,
	NonBMCServiceable,
}

// classTargetFraction is the post-prune occupancy target, as a fraction of
// the configured size cap, for each class (§4.2).
var classTargetFraction = map[SizeClass]float64{
	BMCInformational:    0.15,
	BMCServiceable:      0.30,
	NonBMCInformational: 0.15,
	NonBMCServiceable:   0.30,
}

// Classify assigns a size class to a stored PEL's attributes: bmc-* if the
// creator is BMC or Hostboot, serviceable-* if the service-action-required
// action flag is set, per §4.2 and the class names it lists.
func Classify(a Attributes) SizeClass {
	bmc := pel.IsBMCOrHostboot(a.Creator)
	serviceable := a.ActionFlags&pel.ActionFlagServiceActionRequired != 0
	switch {
	case bmc && serviceable:
		return BMCServiceable
	case bmc && !serviceable:
		return BMCInformational
	case !bmc && serviceable:
		return NonBMCServiceable
	default:
		return NonBMCInformational
	}
}
