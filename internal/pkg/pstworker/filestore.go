package pstworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/partstat/internal/pkg/pstfs"
	"github.com/bcongdon/partstat/internal/pkg/pstproto"
)

// Names of the files a FileStore keeps inside a dataset directory.
const (
	TableFile                 = "table.json"
	StatisticsFile            = "QUALITY_STATISTICS"
	DownsampledStatisticsFile = "QUALITY_STATISTICS.downsampled"
	HistogramFile             = "QUALITY_HISTOGRAM"
)

// Table is the on-disk layout of a dataset's metadata and main table.
type Table struct {
	PolarizationCount uint32                   `json:"polarizationCount"`
	Antennas          []pstproto.AntennaRecord `json:"antennas"`
	Bands             []pstproto.BandInfo      `json:"bands"`
	Rows              []storedRow              `json:"rows"`
}

// storedRow is a Row with its complex samples split into pairs, since
// encoding/json has no representation for complex numbers.
type storedRow struct {
	Time     float64      `json:"time"`
	Antenna1 uint32       `json:"antenna1"`
	Antenna2 uint32       `json:"antenna2"`
	FieldID  uint32       `json:"fieldId"`
	UVW      [3]float64   `json:"uvw"`
	Samples  [][2]float32 `json:"samples"`
	Flags    []bool       `json:"flags"`
}

func toStoredRow(row pstproto.Row) storedRow {
	samples := make([][2]float32, len(row.Samples))
	for i, s := range row.Samples {
		samples[i] = [2]float32{real(s), imag(s)}
	}
	return storedRow{
		Time:     row.Time,
		Antenna1: row.Antenna1,
		Antenna2: row.Antenna2,
		FieldID:  row.FieldID,
		UVW:      row.UVW,
		Samples:  samples,
		Flags:    append([]bool{}, row.Flags...),
	}
}

func (r storedRow) row() pstproto.Row {
	samples := make([]complex64, len(r.Samples))
	for i, s := range r.Samples {
		samples[i] = complex(s[0], s[1])
	}
	return pstproto.Row{
		Time:     r.Time,
		Antenna1: r.Antenna1,
		Antenna2: r.Antenna2,
		FieldID:  r.FieldID,
		UVW:      r.UVW,
		Samples:  samples,
		Flags:    append([]bool{}, r.Flags...),
	}
}

// NewTable returns a table holding rows.
func NewTable(polarizations uint32, antennas []pstproto.AntennaRecord, bands []pstproto.BandInfo, rows []pstproto.Row) *Table {
	t := &Table{
		PolarizationCount: polarizations,
		Antennas:          antennas,
		Bands:             bands,
		Rows:              make([]storedRow, len(rows)),
	}
	for i, row := range rows {
		t.Rows[i] = toStoredRow(row)
	}
	return t
}

// FileStore is a Store that keeps each dataset as a directory holding a
// JSON table and raw statistics blobs. Dataset paths may be local or in S3.
// Decoded tables are kept in an LRU cache.
type FileStore struct {
	mu     sync.Mutex
	fs     map[pstfs.FileSystemType]pstfs.FileSystem
	tables *lru.Cache
}

// NewFileStore returns a FileStore caching up to cacheSize tables.
func NewFileStore(cacheSize int) (*FileStore, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		fs:     make(map[pstfs.FileSystemType]pstfs.FileSystem),
		tables: cache,
	}, nil
}

// filesystem returns the filesystem holding path. s.mu must be held.
func (s *FileStore) filesystem(path string) pstfs.FileSystem {
	fsType := pstfs.InferType(path)
	fs, ok := s.fs[fsType]
	if !ok {
		fs = pstfs.InitFilesystem(fsType)
		s.fs[fsType] = fs
	}
	return fs
}

func (s *FileStore) readFile(path, name string) ([]byte, error) {
	fs := s.filesystem(path)
	reader, err := fs.OpenReader(fs.Join(path, name), 0)
	if pstfs.IsNotExist(err) {
		return nil, fmt.Errorf("%s of %s: %w", name, path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return ioutil.ReadAll(reader)
}

func (s *FileStore) writeFile(path, name string, data []byte) error {
	fs := s.filesystem(path)
	writer, err := fs.OpenWriter(fs.Join(path, name))
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// table loads the table of the dataset at path. s.mu must be held.
func (s *FileStore) table(path string) (*Table, error) {
	if cached, ok := s.tables.Get(path); ok {
		return cached.(*Table), nil
	}
	data, err := s.readFile(path, TableFile)
	if err != nil {
		return nil, err
	}
	table := &Table{}
	if err := json.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	log.Debugf("Loaded table of %s (%d rows)", path, len(table.Rows))
	s.tables.Add(path, table)
	return table, nil
}

// WriteTable stores table as the table of the dataset at path.
func (s *FileStore) WriteTable(path string, table *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeTable(path, table)
}

func (s *FileStore) writeTable(path string, table *Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}
	if err := s.writeFile(path, TableFile, data); err != nil {
		s.tables.Remove(path)
		return err
	}
	s.tables.Add(path, table)
	return nil
}

// removeFile deletes a blob of the dataset at path if it exists.
func (s *FileStore) removeFile(path, name string) error {
	fs := s.filesystem(path)
	if err := fs.Delete(fs.Join(path, name)); err != nil && !pstfs.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteStatistics stores statistics blobs for the dataset at path. A nil
// downsampled or histogram blob removes the one stored before, if any.
func (s *FileStore) WriteStatistics(path string, statistics, downsampled, histogram []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFile(path, StatisticsFile, statistics); err != nil {
		return err
	}
	for name, data := range map[string][]byte{
		DownsampledStatisticsFile: downsampled,
		HistogramFile:             histogram,
	} {
		var err error
		if data == nil {
			err = s.removeFile(path, name)
		} else {
			err = s.writeFile(path, name, data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) QualityStatistics(path string, downsample bool) (*pstproto.QualityStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if downsample {
		data, err = s.readFile(path, DownsampledStatisticsFile)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
	}
	if data == nil {
		data, err = s.readFile(path, StatisticsFile)
		if err != nil {
			return nil, err
		}
	}

	stats := &pstproto.QualityStatistics{Statistics: data}
	histogram, err := s.readFile(path, HistogramFile)
	switch {
	case err == nil:
		stats.Histogram = histogram
	case !isNotFound(err):
		return nil, err
	}
	return stats, nil
}

func (s *FileStore) Antennas(path string) (*pstproto.AntennaInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.table(path)
	if err != nil {
		return nil, err
	}
	return &pstproto.AntennaInfo{
		PolarizationCount: table.PolarizationCount,
		Antennas:          append([]pstproto.AntennaRecord{}, table.Antennas...),
	}, nil
}

func (s *FileStore) Bands(path string) ([]pstproto.BandInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.table(path)
	if err != nil {
		return nil, err
	}
	return append([]pstproto.BandInfo{}, table.Bands...), nil
}

func (s *FileStore) RowCount(path string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.table(path)
	if err != nil {
		return 0, err
	}
	return uint64(len(table.Rows)), nil
}

func (s *FileStore) ReadRows(path string, start, count uint64) ([]pstproto.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.table(path)
	if err != nil {
		return nil, err
	}
	if err := checkRange(start, count, len(table.Rows)); err != nil {
		return nil, err
	}
	rows := make([]pstproto.Row, count)
	for i := range rows {
		rows[i] = table.Rows[start+uint64(i)].row()
	}
	return rows, nil
}

func (s *FileStore) WriteRows(path string, start uint64, rows []pstproto.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.table(path)
	if err != nil {
		return err
	}
	if err := checkRange(start, uint64(len(rows)), len(table.Rows)); err != nil {
		return err
	}
	updated := *table
	updated.Rows = append([]storedRow{}, table.Rows...)
	for i, row := range rows {
		updated.Rows[start+uint64(i)] = toStoredRow(row)
	}
	return s.writeTable(path, &updated)
}

func checkRange(start, count uint64, n int) error {
	if start+count < start || start+count > uint64(n) {
		return fmt.Errorf("rows [%d, %d) out of range for table of %d rows", start, start+count, n)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
