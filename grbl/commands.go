package grbl

// Realtime is one of the firmware's single-byte control commands. The
// firmware picks these out of the serial stream ahead of anything queued,
// so they are never terminated, never buffered, and never flow-accounted.
type Realtime byte

const (
	CycleStart  Realtime = '~'
	FeedHold    Realtime = '!'
	StatusQuery Realtime = '?'
	SoftReset   Realtime = 0x03
)

var realtimeCommands = map[Realtime]string{
	CycleStart:  "cycle start",
	FeedHold:    "feed hold",
	StatusQuery: "current status",
	SoftReset:   "reset Grbl",
}

func (r Realtime) String() string {
	if desc, ok := realtimeCommands[r]; ok {
		return desc
	}
	return "unknown realtime command"
}

// Dollar is one of the firmware's "$" system commands. Unlike realtime
// commands these are ordinary queued lines.
type Dollar byte

const (
	ViewSettings   Dollar = '$'
	ViewParameters Dollar = '#'
	ViewParser     Dollar = 'G'
	ViewBuild      Dollar = 'I'
	ViewStartups   Dollar = 'N'
	CheckMode      Dollar = 'C'
	KillAlarm      Dollar = 'X'
	RunHoming      Dollar = 'H'
)

var dollarCommands = map[Dollar]string{
	ViewSettings:   "view Grbl settings",
	ViewParameters: "view # parameters",
	ViewParser:     "view parser state",
	ViewBuild:      "view build info",
	ViewStartups:   "view startup blocks",
	CheckMode:      "check gcode mode",
	KillAlarm:      "kill alarm lock",
	RunHoming:      "run homing cycle",
}

func (d Dollar) String() string {
	if desc, ok := dollarCommands[d]; ok {
		return desc
	}
	return "unknown $ command"
}

func (d Dollar) line() string { return "$" + string(d) }
