package devices

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/armbotics/ServoWorker/pkg/metrics"
)

const (
	subSystem = "devices"
)

var (
	pulseWritesTotal      = metrics.MustRegisterCounterVec(subSystem, "pulse_writes_total", "Total number of pulse width writes per backend", "backend")
	pulseWriteErrorsTotal = metrics.MustRegisterCounterVec(subSystem, "pulse_write_errors_total", "Total number of failed pulse width writes per backend", "backend")

	softPWMWriteErrorsTotal = metrics.MustRegisterCounter(subSystem, "softpwm_write_errors_total", "Total number of failed gpio edge writes in the software PWM scheduler")
	softPWMJitterSeconds    = metrics.MustRegisterHistogram(subSystem, "softpwm_jitter_seconds", "Deviation of software PWM period starts from the nominal period", prometheus.ExponentialBuckets(50e-6, 2, 12))
)
