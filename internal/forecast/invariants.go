package forecast

import (
	"fmt"
	"math"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

// InvariantViolation is the panic value raised when a result breaks quantile
// ordering or non-negativity. It indicates a sampling or scaling bug, never bad data.
type InvariantViolation struct {
	ItemID string
	Date   time.Time
	Reason string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("forecast invariant violated for %s on %s: %s", v.ItemID, v.Date.Format(time.DateOnly), v.Reason)
}

// CheckInvariants panics with *InvariantViolation unless
// 0 <= p10 <= p50 <= p90 <= p99, the mean is non-negative and every value is finite.
func CheckInvariants(r api.ForecastResult) {
	fail := func(format string, args ...any) {
		panic(&InvariantViolation{ItemID: r.ItemID, Date: r.ForecastDate, Reason: fmt.Sprintf(format, args...)})
	}

	for _, v := range []float64{r.Mean, r.P10, r.P50, r.P90, r.P99} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			fail("non-finite value in %+v", r)
		}
	}
	switch {
	case r.P10 < 0 || r.Mean < 0:
		fail("negative forecast (p10=%.3f mean=%.3f)", r.P10, r.Mean)
	case r.P10 > r.P50:
		fail("p10 %.3f > p50 %.3f", r.P10, r.P50)
	case r.P50 > r.P90:
		fail("p50 %.3f > p90 %.3f", r.P50, r.P90)
	case r.P90 > r.P99:
		fail("p90 %.3f > p99 %.3f", r.P90, r.P99)
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		fail("confidence %.3f outside [0, 1]", r.ConfidenceScore)
	}
}
