package partstat

import (
	"fmt"

	"github.com/bcongdon/partstat/internal/pkg/pstproto"
)

// Results exchanged with workers.
type (
	QualityStatistics = pstproto.QualityStatistics
	AntennaRecord     = pstproto.AntennaRecord
	BandInfo          = pstproto.BandInfo
	ChannelInfo       = pstproto.ChannelInfo
	Row               = pstproto.Row
)

// DownsampleFlag asks workers for down-sampled quality statistics.
const DownsampleFlag = pstproto.DownsampleFlag

// TaskKind selects the requests the coordinator issues for every partition.
type TaskKind int

const (
	ReadAntennasTask TaskKind = iota
	ReadQualityStatisticsTask
	ReadBandTask
	CountRowsTask
	RewriteRowsTask
)

func (k TaskKind) String() string {
	switch k {
	case ReadAntennasTask:
		return "read antennas"
	case ReadQualityStatisticsTask:
		return "read quality statistics"
	case ReadBandTask:
		return "read band"
	case CountRowsTask:
		return "count rows"
	case RewriteRowsTask:
		return "rewrite rows"
	}
	return fmt.Sprintf("TaskKind(%d)", int(k))
}

// StatisticsCollector merges the statistics of every partition. Add is
// called under the coordinator's lock, one partition at a time.
type StatisticsCollector interface {
	Add(item PartitionItem, stats *QualityStatistics) error
}

// StatisticsCollectorFunc adapts a function to a StatisticsCollector.
type StatisticsCollectorFunc func(item PartitionItem, stats *QualityStatistics) error

func (f StatisticsCollectorFunc) Add(item PartitionItem, stats *QualityStatistics) error {
	return f(item, stats)
}

// RowTransform modifies in place a chunk of rows of item starting at
// startRow. It may be called concurrently for partitions on different
// hosts.
type RowTransform func(item PartitionItem, startRow uint64, rows []Row) error

// Task is a unit of work run against every partition.
type Task struct {
	Kind TaskKind

	// Flags are passed with every request of the task, e.g. DownsampleFlag.
	Flags uint32

	// Statistics receives the results of a ReadQualityStatisticsTask.
	Statistics StatisticsCollector

	// Rows is applied by a RewriteRowsTask.
	Rows RowTransform
}

func (t Task) validate() error {
	switch t.Kind {
	case ReadQualityStatisticsTask:
		if t.Statistics == nil {
			return fmt.Errorf("%s task without a statistics collector", t.Kind)
		}
	case RewriteRowsTask:
		if t.Rows == nil {
			return fmt.Errorf("%s task without a row transform", t.Kind)
		}
	case ReadAntennasTask, ReadBandTask, CountRowsTask:
	default:
		return fmt.Errorf("unknown task kind %s", t.Kind)
	}
	return nil
}
