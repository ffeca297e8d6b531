package scheduler

import "time"

const (
	jobStreamName   = "JOBS"
	jobSubjectRoot  = "jobs"
	jobStreamMaxAge = 24 * time.Hour

	workerAckWait        = 30 * time.Second
	workerProgressPeriod = 10 * time.Second
	operationTimeout     = 30 * time.Second
)

func jobSubject(queue, slug string) string {
	return jobSubjectRoot + "." + queue + "." + slug
}

func queueSubjects(queue string) string {
	return jobSubjectRoot + "." + queue + ".*"
}

func workerDurable(queue string) string {
	return "worker-" + queue
}
