package partstat

import (
	"errors"
	"fmt"
	"net"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/partstat/internal/pkg/pstproto"
)

// serveSession drives one worker: it identifies the worker's host and runs
// every task against the host's partitions in queue order.
func (c *Coordinator) serveSession(conn net.Conn, tasks []Task) {
	session := pstproto.NewSession(conn, c.config.ReadTimeout)
	defer session.Close()

	name, err := session.Handshake()
	if err != nil {
		if name == "" {
			c.errors.Addf("worker at %s: handshake failed: %s", session.RemoteAddr(), err)
			return
		}
		host := NewHostIdentity(name)
		c.abandonHost(host, "host %s: handshake failed: %s", host, err)
		return
	}
	host := NewHostIdentity(name)
	log.Infof("Worker on %s connected from %s", host, session.RemoteAddr())

	processed := 0
	for {
		item, ok := c.queue.Pop(host)
		if !ok {
			break
		}
		if err := c.processItem(session, item, tasks); err != nil {
			c.abandonHost(host, "host %s: session failed on %s: %s", host, item.LocalPath, err)
			return
		}
		processed++
		c.bar.Increment()
	}
	if processed == 0 {
		log.Warnf("No partitions to process on %s", host)
	}

	if err := session.Stop(); err != nil {
		log.Warnf("Sending stop to %s: %s", host, err)
	}
	log.Infof("Finished %d partitions on %s: sent %s, received %s", processed, host,
		humanize.Bytes(uint64(session.BytesWritten())), humanize.Bytes(uint64(session.BytesRead())))
}

// processItem runs tasks against one partition. Errors reported by the
// worker are recorded and the next task proceeds; any other error means the
// session is unusable and is returned.
func (c *Coordinator) processItem(session *pstproto.Session, item PartitionItem, tasks []Task) error {
	for _, task := range tasks {
		err := c.runTask(session, item, task)
		var remote *pstproto.RemoteError
		switch {
		case err == nil:
		case errors.As(err, &remote):
			c.errors.Addf("host %s: %s of %s: %s", item.Host, task.Kind, item.LocalPath, remote)
		default:
			return err
		}
	}
	return nil
}

func (c *Coordinator) runTask(session *pstproto.Session, item PartitionItem, task Task) error {
	switch task.Kind {
	case ReadAntennasTask:
		info, err := session.Antennas(item.LocalPath)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.antennas == nil {
			c.antennas = info.Antennas
		}
		c.mu.Unlock()

	case ReadQualityStatisticsTask:
		stats, err := session.QualityStatistics(item.LocalPath, task.Flags)
		if err != nil {
			return err
		}
		c.mu.Lock()
		err = task.Statistics.Add(item, stats)
		c.mu.Unlock()
		if err != nil {
			c.errors.Addf("host %s: merging statistics of %s: %s", item.Host, item.LocalPath, err)
		}

	case ReadBandTask:
		band, err := session.Band(item.LocalPath)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.bands[item.Index] = *band
		c.mu.Unlock()

	case CountRowsTask:
		n, err := session.RowCount(item.LocalPath)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.rowCounts[item.Index] = n
		c.mu.Unlock()

	case RewriteRowsTask:
		return c.rewriteRows(session, item, task.Rows)

	default:
		return fmt.Errorf("unknown task kind %s", task.Kind)
	}
	return nil
}

// rewriteRows reads the rows of item in chunks, applies transform and
// writes them back.
func (c *Coordinator) rewriteRows(session *pstproto.Session, item PartitionItem, transform RowTransform) error {
	n, err := session.RowCount(item.LocalPath)
	if err != nil {
		return err
	}
	for start := uint64(0); start < n; start += c.config.RowChunkSize {
		count := c.config.RowChunkSize
		if start+count > n {
			count = n - start
		}
		rows, err := session.ReadRows(item.LocalPath, start, count)
		if err != nil {
			return err
		}
		if err := transform(item, start, rows); err != nil {
			c.errors.Addf("host %s: transforming rows [%d, %d) of %s: %s", item.Host, start, start+count, item.LocalPath, err)
			return nil
		}
		if err := session.WriteRows(item.LocalPath, start, rows); err != nil {
			return err
		}
	}
	log.Debugf("Rewrote %d rows of %s", n, item.LocalPath)
	return nil
}
