package grbl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedSetting is returned when a settings row cannot be decoded
// against the schema.
var ErrMalformedSetting = errors.New("malformed setting")

// ErrIncompleteSettings is returned when a settings dump does not cover
// every ID in the schema.
var ErrIncompleteSettings = errors.New("incomplete settings")

// Kind is the value type a setting holds.
type Kind int

const (
	Integer Kind = iota
	Float
	Boolean
)

// Setting describes one numeric firmware setting.
type Setting struct {
	ID          int
	Default     float64
	Description string
	Unit        string
	Kind        Kind
}

// DefaultValue returns the schema default as a typed value.
func (s Setting) DefaultValue() Value {
	switch s.Kind {
	case Integer:
		return Value{Kind: Integer, Int: int(s.Default)}
	case Boolean:
		return Value{Kind: Boolean, Bool: s.Default != 0}
	}
	return Value{Kind: Float, Float: s.Default}
}

// Value is a decoded setting value.
type Value struct {
	Kind  Kind
	Int   int
	Float float64
	Bool  bool
}

// String encodes v the way the firmware prints it.
func (v Value) String() string {
	switch v.Kind {
	case Integer:
		return strconv.Itoa(v.Int)
	case Float:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case Boolean:
		if v.Bool {
			return "1"
		}
		return "0"
	}
	return ""
}

// Schema maps setting IDs to their definitions. It is static data: decode
// results are rejected unless they cover it exactly.
type Schema map[int]Setting

// Snapshot holds the machine's current value for every schema ID.
type Snapshot map[int]Value

// splitSetting matches the `$<digits>=<token>` row format. Trailing text
// after the first token is the firmware's inline description and is
// ignored.
func splitSetting(line string) (int, string, bool) {
	if !strings.HasPrefix(line, "$") {
		return 0, "", false
	}
	eq := strings.IndexByte(line, '=')
	if eq < 2 {
		return 0, "", false
	}
	id, err := strconv.Atoi(line[1:eq])
	if err != nil || id < 0 {
		return 0, "", false
	}
	fields := strings.Fields(line[eq+1:])
	if len(fields) == 0 {
		return 0, "", false
	}
	return id, fields[0], true
}

func parseValue(k Kind, token string) (Value, error) {
	switch k {
	case Integer:
		n, err := strconv.Atoi(token)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Integer, Int: n}, nil
	case Float:
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: Float, Float: f}, nil
	case Boolean:
		switch token {
		case "0":
			return Value{Kind: Boolean}, nil
		case "1":
			return Value{Kind: Boolean, Bool: true}, nil
		}
		return Value{}, errors.New("not a boolean")
	}
	return Value{}, errors.New("unknown kind")
}

// DecodeLine decodes a single `$<id>=<value>` row against the schema.
func (sc Schema) DecodeLine(line string) (int, Value, error) {
	id, token, ok := splitSetting(strings.TrimSpace(line))
	if !ok {
		return 0, Value{}, ErrMalformedSetting
	}
	def, ok := sc[id]
	if !ok {
		return 0, Value{}, fmt.Errorf("%w: unknown id $%d", ErrMalformedSetting, id)
	}
	v, err := parseValue(def.Kind, token)
	if err != nil {
		return 0, Value{}, fmt.Errorf("%w: $%d=%s: %v", ErrMalformedSetting, id, token, err)
	}
	return id, v, nil
}

// DecodeBatch decodes a full settings dump. Lines that don't look like
// settings rows (banners, "ok") are skipped, but a row that matches the
// pattern must decode cleanly, and the result must cover every schema ID.
func (sc Schema) DecodeBatch(lines []string) (Snapshot, error) {
	snap := make(Snapshot, len(sc))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if _, _, ok := splitSetting(line); !ok {
			continue
		}
		id, v, err := sc.DecodeLine(line)
		if err != nil {
			return nil, err
		}
		snap[id] = v
	}
	if len(snap) != len(sc) {
		return nil, fmt.Errorf("%w: got %d of %d", ErrIncompleteSettings, len(snap), len(sc))
	}
	return snap, nil
}

// EncodeLine renders the `$n=v` command that stores v for id.
func (sc Schema) EncodeLine(id int, v Value) (string, error) {
	def, ok := sc[id]
	if !ok || def.Kind != v.Kind {
		return "", fmt.Errorf("%w: $%d", ErrMalformedSetting, id)
	}
	return "$" + strconv.Itoa(id) + "=" + v.String(), nil
}

// Describe returns the human-readable description and unit for id, for
// display only.
func (sc Schema) Describe(id int) (string, bool) {
	def, ok := sc[id]
	if !ok {
		return "", false
	}
	return def.Description + " (" + def.Unit + ")", true
}

// DefaultSchema is the stock Grbl settings table. Machines running other
// firmware builds should supply their own table on Config.Schema.
func DefaultSchema() Schema {
	list := []Setting{
		{0, 10, "step pulse", "usec", Integer},
		{1, 25, "step idle delay", "msec", Integer},
		{2, 0, "step port invert", "bitmask", Integer},
		{3, 6, "dir port invert", "bitmask", Integer},
		{4, 0, "step enable invert", "boolean", Boolean},
		{5, 0, "limit pins invert", "boolean", Boolean},
		{6, 0, "probe pin invert", "boolean", Boolean},
		{10, 3, "status report", "bitmask", Integer},
		{11, 0.020, "junction deviation", "mm", Float},
		{12, 0.002, "arc tolerance", "mm", Float},
		{13, 0, "report inches", "boolean", Boolean},
		{20, 0, "soft limits", "boolean", Boolean},
		{21, 0, "hard limits", "boolean", Boolean},
		{22, 0, "homing cycle", "boolean", Boolean},
		{23, 1, "homing dir invert", "bitmask", Integer},
		{24, 50.000, "homing feed", "mm/min", Float},
		{25, 635.000, "homing seek", "mm/min", Float},
		{26, 250, "homing debounce", "msec", Integer},
		{27, 1.000, "homing pull-off", "mm", Float},
		{30, 1.0, "RPM max", "rpm", Float},
		{31, 0.0, "RPM min", "rpm", Float},
		{100, 314.961, "x", "step/mm", Float},
		{101, 314.961, "y", "step/mm", Float},
		{102, 314.961, "z", "step/mm", Float},
		{110, 635.000, "x max rate", "mm/min", Float},
		{111, 635.000, "y max rate", "mm/min", Float},
		{112, 635.000, "z max rate", "mm/min", Float},
		{120, 50.000, "x accel", "mm/sec^2", Float},
		{121, 50.000, "y accel", "mm/sec^2", Float},
		{122, 50.000, "z accel", "mm/sec^2", Float},
		{130, 225.000, "x max travel", "mm", Float},
		{131, 125.000, "y max travel", "mm", Float},
		{132, 170.000, "z max travel", "mm", Float},
	}
	sc := make(Schema, len(list))
	for _, s := range list {
		sc[s.ID] = s
	}
	return sc
}
