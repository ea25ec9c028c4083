package service

import (
	"github.com/armbotics/ServoWorker/pkg/metrics"
)

const (
	subSystem = "motion"
)

var (
	movesTotal        = metrics.MustRegisterCounterVec(subSystem, "moves_total", "Total number of completed moves per channel", "channel")
	movesClampedTotal = metrics.MustRegisterCounterVec(subSystem, "moves_clamped_total", "Total number of moves whose requested value was clamped", "channel")
	moveFailuresTotal = metrics.MustRegisterCounterVec(subSystem, "move_failures_total", "Total number of moves that failed on the hardware write", "channel")
)
