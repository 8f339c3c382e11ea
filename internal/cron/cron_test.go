package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseScheduleReboot(t *testing.T) {
	t.Parallel()

	s, err := ParseSchedule("@reboot")
	require.NoError(t, err)
	require.True(t, s.reboot)
	require.False(t, s.matchesMinute(time.Now()))
}

func TestParseScheduleStandardExpression(t *testing.T) {
	t.Parallel()

	s, err := ParseSchedule("30 4 * * *")
	require.NoError(t, err)
	require.False(t, s.reboot)

	match := time.Date(2026, 1, 2, 4, 30, 0, 0, time.UTC)
	require.True(t, s.matchesMinute(match))

	noMatch := time.Date(2026, 1, 2, 4, 31, 0, 0, time.UTC)
	require.False(t, s.matchesMinute(noMatch))
}

func TestParseScheduleDescriptor(t *testing.T) {
	t.Parallel()

	s, err := ParseSchedule("@hourly")
	require.NoError(t, err)

	match := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	require.True(t, s.matchesMinute(match))

	noMatch := time.Date(2026, 1, 2, 4, 1, 0, 0, time.UTC)
	require.False(t, s.matchesMinute(noMatch))
}

func TestParseScheduleInvalidExpression(t *testing.T) {
	t.Parallel()

	_, err := ParseSchedule("not a cron expression")
	require.Error(t, err)
}

type fakeInserter struct {
	specs    []*JobInsertSpec
	dedupes  []time.Duration
	insertFn func(spec *JobInsertSpec, dedupeWindow time.Duration) error
}

func (f *fakeInserter) InsertPeriodic(ctx context.Context, spec *JobInsertSpec, dedupeWindow time.Duration) error {
	f.specs = append(f.specs, spec)
	f.dedupes = append(f.dedupes, dedupeWindow)
	if f.insertFn != nil {
		return f.insertFn(spec, dedupeWindow)
	}
	return nil
}

type fakeLeader struct{ leader bool }

func (f *fakeLeader) IsLeader() bool { return f.leader }

func TestEvaluateSkipsWhenNotLeader(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{}
	sched, err := ParseSchedule("* * * * *")
	require.NoError(t, err)

	c := &Cron{config: Config{
		Jobs:     []*PeriodicJob{{Schedule: sched, Constructor: func() (*JobInsertSpec, error) { return &JobInsertSpec{Worker: "w"}, nil }}},
		Inserter: inserter,
		Leader:   &fakeLeader{leader: false},
	}}

	c.evaluate(context.Background(), time.Now().Truncate(time.Minute))
	require.Empty(t, inserter.specs)
}

func TestEvaluateFiresMatchingJobsAsLeader(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{}
	sched, err := ParseSchedule("* * * * *")
	require.NoError(t, err)

	c := &Cron{config: Config{
		Jobs:     []*PeriodicJob{{Schedule: sched, Constructor: func() (*JobInsertSpec, error) { return &JobInsertSpec{Worker: "w"}, nil }}},
		Inserter: inserter,
		Leader:   &fakeLeader{leader: true},
	}}

	c.evaluate(context.Background(), time.Now().Truncate(time.Minute))
	require.Len(t, inserter.specs, 1)
	require.Equal(t, dedupeWindowSeconds, inserter.dedupes[0])
}

func TestHandleLeaderElectedFiresRebootJobsOnly(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{}
	rebootSched, err := ParseSchedule("@reboot")
	require.NoError(t, err)
	everyMinute, err := ParseSchedule("* * * * *")
	require.NoError(t, err)

	c := &Cron{config: Config{
		Jobs: []*PeriodicJob{
			{Schedule: rebootSched, Constructor: func() (*JobInsertSpec, error) { return &JobInsertSpec{Worker: "reboot-job"}, nil }},
			{Schedule: everyMinute, Constructor: func() (*JobInsertSpec, error) { return &JobInsertSpec{Worker: "minute-job"}, nil }},
		},
		Inserter: inserter,
	}}

	c.HandleLeaderElected()
	require.Len(t, inserter.specs, 1)
	require.Equal(t, "reboot-job", inserter.specs[0].Worker)
}

func TestFireSkipsNilSpec(t *testing.T) {
	t.Parallel()

	inserter := &fakeInserter{}
	c := &Cron{config: Config{Inserter: inserter}}
	pj := &PeriodicJob{Constructor: func() (*JobInsertSpec, error) { return nil, nil }}

	c.fire(context.Background(), pj)
	require.Empty(t, inserter.specs)
}
