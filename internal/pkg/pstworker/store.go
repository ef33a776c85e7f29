package pstworker

import (
	"errors"

	"github.com/bcongdon/partstat/internal/pkg/pstproto"
)

// ErrNotFound is returned by a Store when the requested table does not
// exist for a dataset.
var ErrNotFound = errors.New("table not found")

// Store gives a worker access to the partitions kept on its host.
type Store interface {
	// QualityStatistics returns the stored statistics of the dataset,
	// down-sampled when downsample is set.
	QualityStatistics(path string, downsample bool) (*pstproto.QualityStatistics, error)
	Antennas(path string) (*pstproto.AntennaInfo, error)
	Bands(path string) ([]pstproto.BandInfo, error)
	RowCount(path string) (uint64, error)
	ReadRows(path string, start, count uint64) ([]pstproto.Row, error)
	WriteRows(path string, start uint64, rows []pstproto.Row) error
}
