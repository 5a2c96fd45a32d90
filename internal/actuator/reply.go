package actuator

import (
	"fmt"
	"strconv"
	"strings"
)

// reply is one parsed Zaber ASCII reply, e.g. "@01 1 OK BUSY -- 0".
type reply struct {
	Device   int
	Axis     int
	Rejected bool
	Busy     bool
	Warning  string
	Data     string
}

func parseReply(line string) (reply, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "@") {
		return reply{}, fmt.Errorf("not a reply: %q", line)
	}
	fields := strings.Fields(line[1:])
	if len(fields) < 5 {
		return reply{}, fmt.Errorf("short reply: %q", line)
	}
	dev, err := strconv.Atoi(fields[0])
	if err != nil {
		return reply{}, fmt.Errorf("bad device number in %q: %w", line, err)
	}
	axis, err := strconv.Atoi(fields[1])
	if err != nil {
		return reply{}, fmt.Errorf("bad axis number in %q: %w", line, err)
	}
	r := reply{
		Device:  dev,
		Axis:    axis,
		Warning: fields[4],
	}
	switch fields[2] {
	case "OK":
	case "RJ":
		r.Rejected = true
	default:
		return reply{}, fmt.Errorf("bad reply flag in %q", line)
	}
	r.Busy = fields[3] == "BUSY"
	if len(fields) > 5 {
		r.Data = strings.Join(fields[5:], " ")
	}
	return r, nil
}
