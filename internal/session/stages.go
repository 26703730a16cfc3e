package session

import "github.com/e3-lab/beammon/internal/scan"

type stage struct {
	kind     scan.Kind
	mode     Mode
	announce string
}

var chains = map[Chain][2]stage{
	TuneChain: {
		{scan.GDACTuning, GDACTuning, "Start GdacTuning"},
		{scan.TDACTuning, TDACTuning, "Start TdacTuning"},
	},
	FixChain: {
		{scan.NoiseOccupancyTuning, NoiseOccTuning, "starting Noise Occupancy Tuning (~2min)"},
		{scan.StuckPixelTuning, StuckPixelTuning, "starting StuckPixelTuning"},
	},
}

func firstStage(c Chain) stage  { return chains[c][0] }
func secondStage(c Chain) stage { return chains[c][1] }
