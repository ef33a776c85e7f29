package partstat

import (
	"fmt"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/partstat/internal/pkg/pstfs"
)

// Suffixes of the files a StatisticsDirectory writes per partition.
const (
	statisticsSuffix = ".stats"
	histogramSuffix  = ".histogram"
)

// StatisticsDirectory is a StatisticsCollector storing the statistics of
// each partition as part<index>.stats, and its histogram as
// part<index>.histogram, in a local or S3 directory.
type StatisticsDirectory struct {
	fs    pstfs.FileSystem
	dir   string
	bytes uint64
}

// NewStatisticsDirectory prepares dir to receive statistics. Statistics
// files left in dir by an earlier run are removed so that partitions
// without statistics are not mistaken for having some.
func NewStatisticsDirectory(dir string) (*StatisticsDirectory, error) {
	fs := pstfs.InferFilesystem(dir)
	if err := fs.Init(); err != nil {
		return nil, err
	}
	d := &StatisticsDirectory{fs: fs, dir: dir}
	if err := d.removeStale(); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", dir, err)
	}
	return d, nil
}

func (d *StatisticsDirectory) removeStale() error {
	files, err := d.fs.ListFiles(d.fs.Join(d.dir, "part*"))
	if err != nil {
		return err
	}
	for _, file := range files {
		name := path.Base(file.Name)
		if !strings.HasSuffix(name, statisticsSuffix) && !strings.HasSuffix(name, histogramSuffix) {
			continue
		}
		log.Debugf("Removing stale %s", file.Name)
		if err := d.fs.Delete(file.Name); err != nil && !pstfs.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (d *StatisticsDirectory) write(name string, data []byte) error {
	writer, err := d.fs.OpenWriter(d.fs.Join(d.dir, name))
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return err
	}
	d.bytes += uint64(len(data))
	return writer.Close()
}

func (d *StatisticsDirectory) Add(item PartitionItem, stats *QualityStatistics) error {
	if err := d.write(fmt.Sprintf("part%04d%s", item.Index, statisticsSuffix), stats.Statistics); err != nil {
		return err
	}
	if stats.HasHistogram() {
		return d.write(fmt.Sprintf("part%04d%s", item.Index, histogramSuffix), stats.Histogram)
	}
	return nil
}

// BytesWritten returns the number of statistics bytes stored so far.
func (d *StatisticsDirectory) BytesWritten() uint64 {
	return d.bytes
}
