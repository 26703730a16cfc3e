// Package power drives the detector's bench supply. The TTi QL355TP is
// controlled over its serial command set; Disabled stands in when no supply
// is connected.
package power

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

// ErrUnavailable is returned by Disabled and by a TTi whose port has closed.
var ErrUnavailable = errors.New("power supply unavailable")

// Channels are the supply outputs switched by PowerOn and PowerOff.
var Channels = []int{1, 2, 3}

// ReportChannels are the outputs whose voltages are reported to the operator.
var ReportChannels = []int{1, 2}

// Supply is a switchable multi-channel supply.
type Supply interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	Voltage(ctx context.Context, channel int) (float64, error)
	Available() bool
	Name() string
	Close() error
}

// Disabled is the no-op supply used in degraded mode.
type Disabled struct{}

func (Disabled) PowerOn(context.Context) error { return ErrUnavailable }
func (Disabled) PowerOff(context.Context) error { return ErrUnavailable }
func (Disabled) Voltage(context.Context, int) (float64, error) { return 0, ErrUnavailable }
func (Disabled) Available() bool { return false }
func (Disabled) Name() string { return "disabled" }
func (Disabled) Close() error { return nil }

// FormatVoltage renders a channel voltage the way it is reported on the
// command channel.
func FormatVoltage(ctx context.Context, s Supply, channel int) string {
	v, err := s.Voltage(ctx, channel)
	if err != nil {
		return fmt.Sprintf("voltage channel %d = unavailable", channel)
	}
	return fmt.Sprintf("voltage channel %d = %.3f", channel, v)
}

// Report returns one FormatVoltage line per ReportChannels entry.
func Report(ctx context.Context, s Supply) []string {
	out := make([]string, 0, len(ReportChannels))
	for _, ch := range ReportChannels {
		out = append(out, FormatVoltage(ctx, s, ch))
	}
	return out
}

// AttachAdminRoutes adds a voltage readout under /debug/power.
func AttachAdminRoutes(mux *http.ServeMux, s Supply) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("power", "power supply voltages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		lines := []string{"supply: " + s.Name()}
		for _, ch := range Channels {
			lines = append(lines, FormatVoltage(r.Context(), s, ch))
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	})
}
