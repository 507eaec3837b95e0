package monitor

import (
	"math"

	"github.com/rewired-gh/marketppo/internal/models"
)

const (
	Epsilon = 1e-9
	Delta   = 1e-6
)

func UpdateWelford(state *models.MonitorState, value float64) {
	state.WelfordCount++
	delta := value - state.WelfordMean
	state.WelfordMean += delta / float64(state.WelfordCount)
	delta2 := value - state.WelfordMean
	state.WelfordM2 += delta * delta2
}

// GetSigma is the sample standard deviation, floored at Delta.
func GetSigma(state *models.MonitorState) float64 {
	if state.WelfordCount < 2 {
		return Delta
	}
	variance := state.WelfordM2 / float64(state.WelfordCount-1)
	return math.Max(math.Sqrt(variance), Delta)
}

func UpdateTCBuffer(state *models.MonitorState, value float64, windowSize int) {
	if len(state.TCBuffer) < windowSize {
		state.TCBuffer = append(state.TCBuffer, value)
	} else {
		state.TCBuffer[state.TCIndex] = value
	}
	state.TCIndex = (state.TCIndex + 1) % windowSize
}

// MeanStd returns the mean and population standard deviation of xs.
func MeanStd(xs []float64) (float64, float64) {
	var st models.MonitorState
	for _, x := range xs {
		UpdateWelford(&st, x)
	}
	if st.WelfordCount == 0 {
		return 0, 0
	}
	return st.WelfordMean, math.Sqrt(st.WelfordM2 / float64(st.WelfordCount))
}
