package services

// ProgressEvent reports import progress at object-processing milestones.
// Percentage is the overall position across all weighted phases;
// PhasePercentage is the position within the current phase.
type ProgressEvent struct {
	Phase           string `json:"phase"`
	Processed       int    `json:"processed"`
	Total           int    `json:"total"`
	Percentage      int    `json:"percentage"`
	PhasePercentage int    `json:"phasePercentage"`
}

// ProgressFunc receives progress events. It is invoked synchronously on
// the importing goroutine and must not panic.
type ProgressFunc func(ProgressEvent)

// Phase names and their shares of the overall percentage. Object
// processing dominates the work, so it owns most of the range.
const (
	phaseObjects    = "processing objects"
	phaseReferences = "importing references"
	phaseSave       = "saving collection"
)

var phaseRanges = map[string][2]int{
	phaseObjects:    {0, 85},
	phaseReferences: {85, 95},
	phaseSave:       {95, 100},
}

// phaseReporter emits throttled progress events for one phase: every 10
// objects, every 5% of phase progress, and always on the final object.
type phaseReporter struct {
	callback    ProgressFunc
	phase       string
	total       int
	lastPercent int
}

func newPhaseReporter(callback ProgressFunc, phase string, total int) *phaseReporter {
	return &phaseReporter{
		callback:    callback,
		phase:       phase,
		total:       total,
		lastPercent: -1,
	}
}

func (r *phaseReporter) report(processed int) {
	if r.callback == nil || r.total == 0 {
		return
	}

	phasePercent := processed * 100 / r.total
	final := processed == r.total
	if !final && processed%10 != 0 && phasePercent < r.lastPercent+5 {
		return
	}
	r.lastPercent = phasePercent

	span := phaseRanges[r.phase]
	overall := span[0] + (span[1]-span[0])*phasePercent/100

	r.callback(ProgressEvent{
		Phase:           r.phase,
		Processed:       processed,
		Total:           r.total,
		Percentage:      overall,
		PhasePercentage: phasePercent,
	})
}
