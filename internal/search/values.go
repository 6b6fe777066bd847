package search

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/vlaube/sessiond/internal/model"
)

// ValuePoint is one numeric sample extracted from a stream row.
type ValuePoint struct {
	Row   uint64  `json:"row"`
	Value float64 `json:"value"`
}

// valueSegment accumulates the samples of one value filter together with
// the running min/max.
type valueSegment struct {
	min    float64
	max    float64
	points []ValuePoint
}

// Values holds the extracted samples of all value filters of a session.
type Values struct {
	segments map[uint8]*valueSegment
}

func NewValues() *Values {
	return &Values{segments: map[uint8]*valueSegment{}}
}

func (v *Values) Drop() {
	v.segments = map[uint8]*valueSegment{}
}

// Append adds samples of one filter, keeping min/max current. Rows arrive
// in ascending order.
func (v *Values) Append(filter uint8, points []ValuePoint) {
	if len(points) == 0 {
		return
	}
	seg, ok := v.segments[filter]
	if !ok {
		seg = &valueSegment{min: math.MaxFloat64, max: -math.MaxFloat64}
		v.segments[filter] = seg
	}
	for _, p := range points {
		if p.Value < seg.min {
			seg.min = p.Value
		}
		if p.Value > seg.max {
			seg.max = p.Value
		}
	}
	seg.points = append(seg.points, points...)
}

// Ranges reports the min/max per filter.
func (v *Values) Ranges() map[uint8]model.ValueRange {
	out := make(map[uint8]model.ValueRange, len(v.segments))
	for f, seg := range v.segments {
		if len(seg.points) == 0 {
			continue
		}
		out[f] = model.ValueRange{Min: seg.min, Max: seg.max}
	}
	return out
}

// Candled decimates the samples of every filter down to at most width
// chart points. Filters with fewer samples than width pass through
// undecimated. With frame set only samples inside the row range
// contribute, with interpolated points at the frame borders so the curve
// does not visually stop at the first inner sample.
func (v *Values) Candled(width uint16, frame *model.Range) map[uint8][]model.CandlePoint {
	out := make(map[uint8][]model.CandlePoint, len(v.segments))
	for f, seg := range v.segments {
		points := seg.points
		if frame != nil {
			points = clipToFrame(points, *frame)
		}
		if width == 0 || len(points) == 0 {
			out[f] = []model.CandlePoint{}
			continue
		}
		if int(width) > len(points) {
			raw := make([]model.CandlePoint, 0, len(points))
			for _, p := range points {
				raw = append(raw, model.CandlePoint{Row: p.Row, MinYVal: p.Value, MaxYVal: p.Value, YVal: p.Value})
			}
			out[f] = raw
			continue
		}
		out[f] = candledGraph(points, width)
	}
	return out
}

// clipToFrame keeps the samples inside the frame and synthesizes border
// samples by linear interpolation against the nearest outer neighbor.
func clipToFrame(points []ValuePoint, frame model.Range) []ValuePoint {
	var before, after *ValuePoint
	var inside []ValuePoint
	for i := range points {
		p := points[i]
		switch {
		case p.Row < frame.Start:
			before = &points[i]
		case p.Row > frame.End:
			if after == nil {
				after = &points[i]
			}
		default:
			inside = append(inside, p)
		}
	}
	var out []ValuePoint
	if before != nil {
		if len(inside) > 0 {
			out = append(out, interpolate(*before, inside[0], frame.Start))
		} else if after != nil {
			out = append(out, interpolate(*before, *after, frame.Start))
		}
	}
	out = append(out, inside...)
	if after != nil {
		if len(inside) > 0 {
			out = append(out, interpolate(inside[len(inside)-1], *after, frame.End))
		} else if before != nil {
			out = append(out, interpolate(*before, *after, frame.End))
		}
	}
	return out
}

func interpolate(a, b ValuePoint, row uint64) ValuePoint {
	if b.Row == a.Row {
		return ValuePoint{Row: row, Value: a.Value}
	}
	t := float64(row-a.Row) / float64(b.Row-a.Row)
	return ValuePoint{Row: row, Value: a.Value + (b.Value-a.Value)*t}
}

// candledGraph distributes the samples into width row slots and emits one
// candle per slot. A slot without own samples repeats the last seen
// sample so the curve stays continuous.
func candledGraph(points []ValuePoint, width uint16) []model.CandlePoint {
	if len(points) == 0 {
		return []model.CandlePoint{}
	}
	firstRow := points[0].Row
	deltaRows := points[len(points)-1].Row - firstRow
	if deltaRows == 0 {
		return []model.CandlePoint{}
	}
	perSlot := float64(deltaRows) / float64(width)
	var slots [][]ValuePoint
	slotNr := 1
	var slot []ValuePoint
	last := points[0]
	for _, p := range points {
		for {
			slotEnd := float64(slotNr)*perSlot + float64(firstRow)
			if float64(p.Row) < slotEnd {
				last = p
				slot = append(slot, p)
				break
			}
			if len(slot) == 0 {
				slot = append(slot, last)
			}
			slots = append(slots, slot)
			slot = nil
			slotNr++
		}
	}
	if len(slot) > 0 {
		slots = append(slots, slot)
	}
	out := make([]model.CandlePoint, 0, len(slots))
	for _, sv := range slots {
		mean, min, max := averageMinMax(sv)
		out = append(out, model.CandlePoint{Row: sv[0].Row, MinYVal: min, MaxYVal: max, YVal: mean})
	}
	return out
}

func averageMinMax(points []ValuePoint) (mean, min, max float64) {
	if len(points) == 0 {
		return 0, 0, 0
	}
	min = math.MaxFloat64
	max = -math.MaxFloat64
	var sum float64
	for _, p := range points {
		sum += p.Value
		if p.Value < min {
			min = p.Value
		}
		if p.Value > max {
			max = p.Value
		}
	}
	return sum / float64(len(points)), min, max
}

// ValueFilters is a compiled set of value-extraction expressions. The
// numeric sample is the first capture group when the expression defines
// one, the whole match otherwise.
type ValueFilters struct {
	compiled []*regexp.Regexp
}

func CompileValueFilters(patterns []string) (*ValueFilters, []model.Notification) {
	v := &ValueFilters{compiled: make([]*regexp.Regexp, len(patterns))}
	var notes []model.Notification
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			notes = append(notes, model.Notification{
				Severity: model.SeverityWarning,
				Content:  "value filter " + strconv.Quote(p) + " is invalid and was skipped: " + err.Error(),
			})
			continue
		}
		v.compiled[i] = re
	}
	return v, notes
}

func (v *ValueFilters) Empty() bool {
	if v == nil {
		return true
	}
	for _, re := range v.compiled {
		if re != nil {
			return false
		}
	}
	return true
}

// Extract pulls one sample per filter out of line, keyed by filter index.
// Rows that match but carry no parsable number yield no sample.
func (v *ValueFilters) Extract(row uint64, line string) map[uint8]ValuePoint {
	var out map[uint8]ValuePoint
	for i, re := range v.compiled {
		if re == nil {
			continue
		}
		groups := re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		candidate := groups[0]
		if len(groups) > 1 {
			candidate = groups[1]
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(candidate), 64)
		if err != nil {
			continue
		}
		if out == nil {
			out = map[uint8]ValuePoint{}
		}
		out[uint8(i)] = ValuePoint{Row: row, Value: val}
	}
	return out
}
