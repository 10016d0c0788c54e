// ABOUTME: Cron schedule for periodic session resets
// ABOUTME: Accepts standard five-field specs, an optional seconds field and descriptors like @daily

package gateway

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

var resetParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// newResetScheduler returns a stopped scheduler that runs reset on spec.
func newResetScheduler(spec string, reset func()) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(resetParser))
	if _, err := c.AddFunc(spec, reset); err != nil {
		return nil, fmt.Errorf("parsing sessions.reset_schedule %q: %w", spec, err)
	}
	return c, nil
}
