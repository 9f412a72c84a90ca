package threshold

import "fmt"

// Parameter names a sensor reading.
type Parameter string

const (
	Temperature     Parameter = "temperature"
	WaterLevel      Parameter = "water_level"
	FeedLevel       Parameter = "feed_level"
	Turbidity       Parameter = "turbidity"
	DissolvedOxygen Parameter = "dissolved_oxygen"
	PH              Parameter = "ph"
	Ammonia         Parameter = "ammonia"
	Battery         Parameter = "battery"
)

// Range is the span a sensor can physically report. Readings outside it
// are wiring or firmware faults, not pond conditions.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within r, inclusive.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

var ranges = map[Parameter]Range{
	Temperature:     {Min: 0, Max: 50},
	WaterLevel:      {Min: 0, Max: 100},
	FeedLevel:       {Min: 0, Max: 100},
	Turbidity:       {Min: 0, Max: 1000},
	DissolvedOxygen: {Min: 0, Max: 20},
	PH:              {Min: 0, Max: 14},
	Ammonia:         {Min: 0, Max: 100},
	Battery:         {Min: 0, Max: 100},
}

// Parameters lists the known sensor parameters in payload order.
var Parameters = []Parameter{
	Temperature, WaterLevel, FeedLevel, Turbidity, DissolvedOxygen, PH, Ammonia, Battery,
}

// ParseParameter validates a parameter name.
func ParseParameter(s string) (Parameter, error) {
	p := Parameter(s)
	if _, ok := ranges[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownParameter, s)
	}
	return p, nil
}

// PhysicalRange returns the sensor range of p.
func (p Parameter) PhysicalRange() (Range, bool) {
	r, ok := ranges[p]
	return r, ok
}

// Plausible reports whether v is a value the sensor for p can produce.
func (p Parameter) Plausible(v float64) bool {
	r, ok := ranges[p]
	return ok && r.Contains(v)
}
