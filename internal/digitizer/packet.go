package digitizer

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/fts.report/internal/device"
)

// packet is one JSON line from the streaming firmware:
//
//	{"errors":0,"missed":0,"AIN0":[...],"AIN200":[...]}
//
// A line of {"end":true} marks the end of the stream.
type packet struct {
	Errors   int
	Missed   int
	End      bool
	Channels map[string][]float64
}

func (p *packet) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Channels = make(map[string][]float64)
	for key, value := range raw {
		var err error
		switch key {
		case "errors":
			err = json.Unmarshal(value, &p.Errors)
		case "missed":
			err = json.Unmarshal(value, &p.Missed)
		case "end":
			err = json.Unmarshal(value, &p.End)
		default:
			var samples []float64
			err = json.Unmarshal(value, &samples)
			p.Channels[key] = samples
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

// decodeBatch turns one packet line into a SampleBatch. The first settle
// readings of each packet are discarded; they are taken while the
// multiplexer input is still settling.
func decodeBatch(line []byte, positionChannel, voltageChannel string, settle int) (device.SampleBatch, bool, error) {
	var p packet
	if err := json.Unmarshal(line, &p); err != nil {
		return device.SampleBatch{}, false, err
	}
	if p.End {
		return device.SampleBatch{}, true, nil
	}

	pos, ok := p.Channels[positionChannel]
	if !ok {
		return device.SampleBatch{}, false, fmt.Errorf("packet has no %s channel", positionChannel)
	}
	volt, ok := p.Channels[voltageChannel]
	if !ok {
		return device.SampleBatch{}, false, fmt.Errorf("packet has no %s channel", voltageChannel)
	}

	batch := device.SampleBatch{ErrorCount: p.Errors, MissedCount: p.Missed}
	n := min(len(pos), len(volt))
	// a ragged packet lost scans on one channel
	batch.MissedCount += max(len(pos), len(volt)) - n
	if settle > n {
		settle = n
	}
	batch.Readings = make([]device.Reading, 0, n-settle)
	for i := settle; i < n; i++ {
		batch.Readings = append(batch.Readings, device.Reading{Position: pos[i], Voltage: volt[i]})
	}
	return batch, false, nil
}
