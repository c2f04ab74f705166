package slurm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/scheduler"
)

// billingField is the TRES the limit is expressed in.
const billingField = "billing"

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// validAccount rejects names that could not be Slurm accounts. Names are
// interpolated into shell commands, so this also keeps the command line inert.
func validAccount(account string) error {
	if !accountPattern.MatchString(account) {
		return fmt.Errorf("slurm: invalid account name %q", account)
	}
	return nil
}

// parseTRES parses a comma separated TRES list such as
// "cpu=10,mem=2048,billing=500" into per-resource quantities.
func parseTRES(s string) (billing.Usage, error) {
	out := billing.Usage{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, field := range strings.Split(s, ",") {
		name, raw, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: tres field %q", scheduler.ErrUnexpectedOutput, field)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: tres field %q", scheduler.ErrUnexpectedOutput, field)
		}
		out[billing.Normalize(name)] = v
	}
	return out, nil
}

// parseLimit extracts the account-level billing limit from the output of
//
//	sacctmgr show -nP association ... format=User,GrpTRESRunMins
//
// Rows with a user are user associations and are skipped. An account row with
// no billing entry has no limit set, which reads as zero.
func parseLimit(out string) (int64, error) {
	for _, line := range lines(out) {
		user, tres, ok := strings.Cut(line, "|")
		if !ok {
			return 0, fmt.Errorf("%w: association row %q", scheduler.ErrUnexpectedOutput, line)
		}
		if strings.TrimSpace(user) != "" {
			continue
		}
		values, err := parseTRES(tres)
		if err != nil {
			return 0, err
		}
		return int64(values[billingField]), nil
	}
	return 0, scheduler.ErrAccountNotFound
}

// parseUsage extracts the account-level TRES usage from the output of
//
//	sshare -nP -A <account> -M <cluster> --format=Account,User,GrpTRESRaw
func parseUsage(out, account string) (billing.Usage, error) {
	for _, line := range lines(out) {
		fields := strings.Split(line, "|")
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: share row %q", scheduler.ErrUnexpectedOutput, line)
		}
		if strings.TrimSpace(fields[0]) != account || strings.TrimSpace(fields[1]) != "" {
			continue
		}
		return parseTRES(fields[2])
	}
	return nil, scheduler.ErrAccountNotFound
}

// parseAccounts returns the distinct account names, one per line.
func parseAccounts(out string) []string {
	seen := map[string]bool{}
	var accounts []string
	for _, line := range lines(out) {
		name, _, _ := strings.Cut(line, "|")
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		accounts = append(accounts, name)
	}
	return accounts
}

const (
	// sacctTime is the timestamp layout sacct reads and prints.
	sacctTime = "2006-01-02T15:04:05"
	jobFormat = "JobID,JobName,Account,User,Submit,Start,End,State,DerivedExitCode,Priority,QOS,AllocNodes,Partition,AllocTRES"
	jobFields = 14
)

// parseJobs parses sacct rows in jobFormat order. Times sacct prints as
// "Unknown" or "None" are left unset.
func parseJobs(out string) ([]*job.Job, error) {
	var jobs []*job.Job
	for _, line := range lines(out) {
		f := strings.Split(line, "|")
		if len(f) < jobFields {
			return nil, fmt.Errorf("%w: job row %q", scheduler.ErrUnexpectedOutput, line)
		}
		for i := range f {
			f[i] = strings.TrimSpace(f[i])
		}
		j := &job.Job{
			SchedulerID: f[0],
			Name:        f[1],
			Account:     f[2],
			User:        f[3],
			ExitCode:    f[8],
			QOS:         f[10],
			Partition:   f[12],
			TRES:        f[13],
		}
		var err error
		if j.Submit, err = parseJobTime(f[4]); err != nil {
			return nil, err
		}
		if j.Start, err = parseJobTime(f[5]); err != nil {
			return nil, err
		}
		if j.End, err = parseJobTime(f[6]); err != nil {
			return nil, err
		}
		// "CANCELLED by 1000" carries the cancelling uid.
		state, _, _ := strings.Cut(f[7], " ")
		j.State = job.State(state)
		if f[9] != "" {
			if j.Priority, err = strconv.ParseInt(f[9], 10, 64); err != nil {
				return nil, fmt.Errorf("%w: job priority %q", scheduler.ErrUnexpectedOutput, f[9])
			}
		}
		if f[11] != "" {
			if j.Nodes, err = strconv.Atoi(f[11]); err != nil {
				return nil, fmt.Errorf("%w: job nodes %q", scheduler.ErrUnexpectedOutput, f[11])
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func parseJobTime(s string) (*time.Time, error) {
	switch s {
	case "", "Unknown", "None":
		return nil, nil
	}
	t, err := time.ParseInLocation(sacctTime, s, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: job time %q", scheduler.ErrUnexpectedOutput, s)
	}
	return &t, nil
}

func lines(out string) []string {
	var result []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		result = append(result, line)
	}
	return result
}
