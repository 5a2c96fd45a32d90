package main

import (
	"errors"
	"log"
	"net/http"

	"github.com/banshee-data/fts.report/internal/actuator"
	"github.com/banshee-data/fts.report/internal/config"
	"github.com/banshee-data/fts.report/internal/device"
	"github.com/banshee-data/fts.report/internal/digitizer"
	"github.com/banshee-data/fts.report/internal/serialmux"
	"github.com/banshee-data/fts.report/internal/simulate"
)

// hardware is the instrument pair the orchestrator drives.
type hardware struct {
	connector device.Connector
	digitizer device.Digitizer
	// attach mounts device debug routes; nil for the simulator.
	attach func(mux *http.ServeMux)
}

func (h *hardware) Close() error {
	return h.digitizer.Close()
}

// openHardware opens the configured serial instruments, or a simulated
// bench whose zero path difference sits mid-sweep.
func openHardware(cfg *config.AcquisitionConfig, simulated bool) (*hardware, error) {
	if simulated {
		bench := simulate.NewBench(simulate.Options{
			ZeroPathMM:    cfg.GetStartPointMM() + cfg.GetSweepLengthMM()/2,
			EncoderNoise:  2,
			DriftPerSec:   0.002,
			Noise:         0.002,
			BadBatchEvery: 50,
		})
		log.Printf("using simulated bench")
		return &hardware{connector: bench, digitizer: bench.Digitizer()}, nil
	}

	port := cfg.GetDigitizerPort()
	if port == "" {
		return nil, errors.New("digitizer_port is not configured (use --simulate to run without hardware)")
	}
	dig, err := digitizer.OpenSerial(port, serialmux.PortOptions{BaudRate: cfg.GetDigitizerBaud()}, cfg.GetSettleSamples())
	if err != nil {
		return nil, err
	}
	connector := actuator.NewZaberConnector(actuator.Options{
		Ports:           cfg.ActuatorPorts,
		Port:            serialmux.PortOptions{BaudRate: cfg.GetActuatorBaud()},
		MicrostepSizeUM: cfg.GetMicrostepSizeUM(),
	})
	return &hardware{connector: connector, digitizer: dig, attach: dig.AttachAdminRoutes}, nil
}
