package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// ConvertToJobDef turns an interval into a job definition. Accepted forms are
// a daily clock time ("04:05"), a standard cron expression ("*/10 * * * *")
// and a Go duration ("10m", "1h30m").
func ConvertToJobDef(interval string) (gocron.JobDefinition, error) {
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return nil, fmt.Errorf("empty interval")
	}

	if h, m, ok := parseClockTime(interval); ok {
		return gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(h, m, 0))), nil
	}

	if _, err := cron.ParseStandard(interval); err == nil {
		return gocron.CronJob(interval, false), nil
	}

	if dur, err := time.ParseDuration(interval); err == nil {
		if dur <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", interval)
		}
		return gocron.DurationJob(dur), nil
	}

	return nil, fmt.Errorf("invalid interval format: %s", interval)
}

// ScheduleTask registers fn on s under name at the given interval.
func ScheduleTask(s gocron.Scheduler, name, interval string, fn func()) (gocron.Job, error) {
	jd, err := ConvertToJobDef(interval)
	if err != nil {
		return nil, err
	}
	return s.NewJob(jd, gocron.NewTask(fn), gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule))
}

func parseClockTime(s string) (uint, uint, bool) {
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(ms, ":") {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return uint(h), uint(m), true
}
