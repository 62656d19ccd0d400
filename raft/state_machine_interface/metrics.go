package state_machine_interface

import log "github.com/sirupsen/logrus"

type Metrics interface {
	Inc(name string)
	Set(name string, value float64)
}

type NopMetrics struct{}

func (NopMetrics) Inc(string)          {}
func (NopMetrics) Set(string, float64) {}

// LogMetrics 把指标打到 debug 日志里
type LogMetrics struct{}

func (LogMetrics) Inc(name string) {
	log.WithField("metric", name).Debug("inc")
}

func (LogMetrics) Set(name string, value float64) {
	log.WithFields(log.Fields{"metric": name, "value": value}).Debug("set")
}

const (
	MetricLogAppends       = "agency_log_appends_total"
	MetricLogTruncations   = "agency_log_truncations_total"
	MetricCompactions      = "agency_log_compactions_total"
	MetricLogFirstIndex    = "agency_log_first_index"
	MetricLogLastIndex     = "agency_log_last_index"
	MetricTerm             = "agency_term"
	MetricElections        = "agency_elections_total"
	MetricElectionsWon     = "agency_elections_won_total"
	MetricVotesGranted     = "agency_votes_granted_total"
	MetricHeartbeatsSent   = "agency_heartbeats_sent_total"
	MetricSnapshotsAdopted = "agency_snapshots_adopted_total"
)
