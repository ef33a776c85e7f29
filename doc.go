/*Package partstat collects statistics and metadata from observational
datasets that are partitioned across many hosts, without copying the raw
data.

A Coordinator reads a descriptor listing the partitions and the hosts that
store them. For every host it starts a worker through a remote shell. The
worker dials back to the coordinator, agrees on the protocol version and
then serves requests against its local partitions: quality statistics,
antenna and band metadata, row counts and row reads and writes.

Hosts are independent. A host whose worker fails is skipped and the failure
is reported by Coordinator.Errors; the results of the other hosts are kept.
*/
package partstat
