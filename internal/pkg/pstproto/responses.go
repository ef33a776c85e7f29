package pstproto

import (
	"fmt"
)

// QualityStatistics carries the serialized statistics of one dataset and,
// when the dataset has one, its serialized histogram aggregate. Both are
// opaque to the protocol.
type QualityStatistics struct {
	Statistics []byte
	Histogram  []byte
}

// HasHistogram reports whether a histogram aggregate is present.
func (q *QualityStatistics) HasHistogram() bool {
	return q.Histogram != nil
}

func (q *QualityStatistics) MarshalBinary() ([]byte, error) {
	e := encoder{}
	e.blob(q.Statistics)
	e.bool(q.HasHistogram())
	if q.HasHistogram() {
		e.blob(q.Histogram)
	}
	return e.buf, nil
}

func (q *QualityStatistics) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	q.Statistics = d.blob()
	q.Histogram = nil
	if d.bool() {
		q.Histogram = d.blob()
	}
	return d.finish()
}

// AntennaRecord describes one antenna (or station) of an observation.
type AntennaRecord struct {
	Name     string
	Station  string
	Mount    string
	Diameter float64
	Position [3]float64
}

// AntennaInfo is the antenna table of a dataset.
type AntennaInfo struct {
	PolarizationCount uint32
	Antennas          []AntennaRecord
}

// minAntennaSize is the encoded size of an antenna with empty strings.
const minAntennaSize = 3*4 + 4*8

func (a *AntennaInfo) MarshalBinary() ([]byte, error) {
	e := encoder{}
	e.uint32(a.PolarizationCount)
	e.uint32(uint32(len(a.Antennas)))
	for _, antenna := range a.Antennas {
		e.string(antenna.Name)
		e.string(antenna.Station)
		e.string(antenna.Mount)
		e.float64(antenna.Diameter)
		for _, p := range antenna.Position {
			e.float64(p)
		}
	}
	return e.buf, nil
}

func (a *AntennaInfo) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	a.PolarizationCount = d.uint32()
	n := d.count(minAntennaSize)
	a.Antennas = make([]AntennaRecord, n)
	for i := range a.Antennas {
		antenna := &a.Antennas[i]
		antenna.Name = d.string()
		antenna.Station = d.string()
		antenna.Mount = d.string()
		antenna.Diameter = d.float64()
		for j := range antenna.Position {
			antenna.Position[j] = d.float64()
		}
	}
	return d.finish()
}

// ChannelInfo is one frequency channel of a band.
type ChannelInfo struct {
	Frequency float64
	Width     float64
}

// BandInfo describes the single spectral window of a dataset.
type BandInfo struct {
	WindowIndex uint32
	Channels    []ChannelInfo
}

// CenterFrequency returns the mean channel frequency, or 0 without channels.
func (b *BandInfo) CenterFrequency() float64 {
	if len(b.Channels) == 0 {
		return 0
	}
	var sum float64
	for _, c := range b.Channels {
		sum += c.Frequency
	}
	return sum / float64(len(b.Channels))
}

func (b *BandInfo) MarshalBinary() ([]byte, error) {
	e := encoder{}
	e.uint32(b.WindowIndex)
	e.uint32(uint32(len(b.Channels)))
	for _, c := range b.Channels {
		e.float64(c.Frequency)
		e.float64(c.Width)
	}
	return e.buf, nil
}

func (b *BandInfo) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	b.WindowIndex = d.uint32()
	b.Channels = make([]ChannelInfo, d.count(16))
	for i := range b.Channels {
		b.Channels[i].Frequency = d.float64()
		b.Channels[i].Width = d.float64()
	}
	return d.finish()
}

// Row is one record of a dataset's main table. Samples and Flags hold one
// entry per channel and polarization, channel-major.
type Row struct {
	Time     float64
	Antenna1 uint32
	Antenna2 uint32
	FieldID  uint32
	UVW      [3]float64
	Samples  []complex64
	Flags    []bool
}

// minRowSize is the encoded size of a row without samples.
const minRowSize = 8 + 3*4 + 3*8 + 2*4

func encodeRow(e *encoder, row *Row) {
	e.float64(row.Time)
	e.uint32(row.Antenna1)
	e.uint32(row.Antenna2)
	e.uint32(row.FieldID)
	for _, c := range row.UVW {
		e.float64(c)
	}
	e.uint32(uint32(len(row.Samples)))
	for _, s := range row.Samples {
		e.float32(real(s))
		e.float32(imag(s))
	}
	e.uint32(uint32(len(row.Flags)))
	for _, f := range row.Flags {
		e.bool(f)
	}
}

func decodeRow(d *decoder, row *Row) {
	row.Time = d.float64()
	row.Antenna1 = d.uint32()
	row.Antenna2 = d.uint32()
	row.FieldID = d.uint32()
	for i := range row.UVW {
		row.UVW[i] = d.float64()
	}
	row.Samples = make([]complex64, d.count(8))
	for i := range row.Samples {
		re := d.float32()
		im := d.float32()
		row.Samples[i] = complex(re, im)
	}
	row.Flags = make([]bool, d.count(1))
	for i := range row.Flags {
		row.Flags[i] = d.bool()
	}
}

// EncodeRows serializes rows back to back.
func EncodeRows(rows []Row) []byte {
	e := encoder{}
	for i := range rows {
		encodeRow(&e, &rows[i])
	}
	return e.buf
}

// DecodeRows decodes exactly count rows from data.
func DecodeRows(data []byte, count uint64) ([]Row, error) {
	if count*minRowSize > uint64(len(data)) {
		return nil, fmt.Errorf("pstproto: %d rows cannot fit in %d bytes", count, len(data))
	}
	d := decoder{buf: data}
	rows := make([]Row, count)
	for i := range rows {
		decodeRow(&d, &rows[i])
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return rows, nil
}

// EncodeRowCount serializes the answer to a row count probe.
func EncodeRowCount(n uint64) []byte {
	e := encoder{}
	e.uint64(n)
	return e.buf
}

func DecodeRowCount(data []byte) (uint64, error) {
	d := decoder{buf: data}
	n := d.uint64()
	return n, d.finish()
}
