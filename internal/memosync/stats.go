package memosync

import "sync/atomic"

// SyncStats counts sync outcomes since process start.
type SyncStats struct {
	Applied               atomic.Uint64
	StaleOrDuplicate      atomic.Uint64
	NoOp                  atomic.Uint64
	Unpaired              atomic.Uint64
	ForeignReference      atomic.Uint64
	RecordNotFound        atomic.Uint64
	ExternalDeletes       atomic.Uint64
	Ignored               atomic.Uint64
	WatermarkConflicts    atomic.Uint64
	MirrorCreateFailures  atomic.Uint64
	SummaryFailures       atomic.Uint64
	WritebackSucceeded    atomic.Uint64
	WritebackRetried      atomic.Uint64
	WritebackDeadLettered atomic.Uint64
	FutureTimestamps      atomic.Uint64
	LinkAttemptsBlocked   atomic.Uint64
}

type SyncStatsSnapshot struct {
	Applied               uint64 `json:"applied"`
	StaleOrDuplicate      uint64 `json:"staleOrDuplicate"`
	NoOp                  uint64 `json:"noOp"`
	Unpaired              uint64 `json:"unpaired"`
	ForeignReference      uint64 `json:"foreignReference"`
	RecordNotFound        uint64 `json:"recordNotFound"`
	ExternalDeletes       uint64 `json:"externalDeletes"`
	Ignored               uint64 `json:"ignored"`
	WatermarkConflicts    uint64 `json:"watermarkConflicts"`
	MirrorCreateFailures  uint64 `json:"mirrorCreateFailures"`
	SummaryFailures       uint64 `json:"summaryFailures"`
	WritebackSucceeded    uint64 `json:"writebackSucceeded"`
	WritebackRetried      uint64 `json:"writebackRetried"`
	WritebackDeadLettered uint64 `json:"writebackDeadLettered"`
	FutureTimestamps      uint64 `json:"futureTimestamps"`
	LinkAttemptsBlocked   uint64 `json:"linkAttemptsBlocked"`
}

func (s *SyncStats) Snapshot() SyncStatsSnapshot {
	return SyncStatsSnapshot{
		Applied:               s.Applied.Load(),
		StaleOrDuplicate:      s.StaleOrDuplicate.Load(),
		NoOp:                  s.NoOp.Load(),
		Unpaired:              s.Unpaired.Load(),
		ForeignReference:      s.ForeignReference.Load(),
		RecordNotFound:        s.RecordNotFound.Load(),
		ExternalDeletes:       s.ExternalDeletes.Load(),
		Ignored:               s.Ignored.Load(),
		WatermarkConflicts:    s.WatermarkConflicts.Load(),
		MirrorCreateFailures:  s.MirrorCreateFailures.Load(),
		SummaryFailures:       s.SummaryFailures.Load(),
		WritebackSucceeded:    s.WritebackSucceeded.Load(),
		WritebackRetried:      s.WritebackRetried.Load(),
		WritebackDeadLettered: s.WritebackDeadLettered.Load(),
		FutureTimestamps:      s.FutureTimestamps.Load(),
		LinkAttemptsBlocked:   s.LinkAttemptsBlocked.Load(),
	}
}

func (s *SyncStats) countRejection(reason RejectReason) {
	switch reason {
	case RejectStaleOrDuplicate:
		s.StaleOrDuplicate.Add(1)
	case RejectNoOp:
		s.NoOp.Add(1)
	case RejectUnpaired:
		s.Unpaired.Add(1)
	case RejectForeignReference:
		s.ForeignReference.Add(1)
	}
}
