package grbl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mastercactapus/grblctl/coord"
)

// Report is a decoded realtime status report.
type Report struct {
	Status string
	MPos   coord.Point
	WCO    coord.Point
}

// WPos is the work position: machine position less the work coordinate
// offset.
func (r Report) WPos() coord.Point { return r.MPos.Sub(r.WCO) }

// parseCoords decodes the comma-separated axis triple inside a report
// field, e.g. "1.000,2.000,3.000".
func parseCoords(data string) (coord.Point, error) {
	var p coord.Point
	parts := strings.SplitN(data, ",", 4)
	if len(parts) != 3 {
		return p, errors.New("want 3 axis values, got " + strconv.Itoa(len(parts)))
	}
	var axes [3]float64
	for i, s := range parts {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return p, err
		}
		axes[i] = f
	}
	p.X, p.Y, p.Z = axes[0], axes[1], axes[2]
	return p, nil
}

// ParseReport decodes a `<...>` status line. The firmware only includes
// WCO intermittently, so the previous report's value carries forward.
func ParseReport(prev Report, line string) (*Report, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return nil, errors.New("not a status report: " + line)
	}
	line = strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	parts := strings.Split(line, "|")
	rep := prev
	rep.Status = parts[0]
	var err error
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		switch sParts[0] {
		case "MPos":
			rep.MPos, err = parseCoords(sParts[1])
		case "WPos":
			// old-style reports carry the work position instead
			var wpos coord.Point
			wpos, err = parseCoords(sParts[1])
			if err == nil {
				rep.MPos = wpos.Add(rep.WCO)
			}
		case "WCO":
			rep.WCO, err = parseCoords(sParts[1])
		}
		if err != nil {
			return nil, err
		}
	}
	return &rep, nil
}
