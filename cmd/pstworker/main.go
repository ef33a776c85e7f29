// Command pstworker serves the partitions of one host to a coordinator.
//
//	pstworker connect <coordinatorHost>[:port]
//	pstworker import-statistics <dataset> <statistics> [<downsampled> [<histogram>]]
//
// connect exits with status 0 once the coordinator ends the session and
// with a non-zero status on any other outcome. import-statistics stores
// statistics blobs, read from local or S3 files, in a dataset served by
// connect.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bcongdon/partstat"
	"github.com/bcongdon/partstat/internal/pkg/pstfs"
	"github.com/bcongdon/partstat/internal/pkg/pstproto"
	"github.com/bcongdon/partstat/internal/pkg/pstworker"
)

const (
	exitError         = 1
	exitUsage         = 2
	exitNotUnderstood = 3
)

var (
	hostName = flag.String("hostname", "", "Host name reported to the coordinator (default: this host's name)")
	verbose  = flag.BoolP("verbose", "v", false, "Log debug output")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] connect <coordinatorHost>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s [flags] import-statistics <dataset> <statistics> [<downsampled> [<histogram>]]\n", os.Args[0])
	flag.PrintDefaults()
}

func readFile(path string) ([]byte, error) {
	reader, err := pstfs.InferFilesystem(path).OpenReader(path, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return ioutil.ReadAll(reader)
}

// importStatistics stores the blobs named by files in dataset.
func importStatistics(store *pstworker.FileStore, dataset string, files []string) error {
	blobs := make([][]byte, 3)
	for i, file := range files {
		data, err := readFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
		blobs[i] = data
	}
	if err := store.WriteStatistics(dataset, blobs[0], blobs[1], blobs[2]); err != nil {
		return err
	}
	log.Infof("Imported statistics of %s", dataset)
	return nil
}

func main() {
	flag.Duration("read-timeout", 0, "Maximum wait for the next request (0 waits forever)")
	flag.Int("cache-size", 0, "Number of decoded tables kept in memory")
	flag.Usage = usage
	flag.Parse()

	partstat.LoadConfig()
	viper.BindPFlag("store_cache_size", flag.Lookup("cache-size"))
	viper.BindPFlag("worker_read_timeout", flag.Lookup("read-timeout"))
	if *verbose || viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	args := flag.Args()
	switch {
	case len(args) == 2 && args[0] == "connect":
	case len(args) >= 3 && len(args) <= 5 && args[0] == "import-statistics":
	default:
		usage()
		os.Exit(exitUsage)
	}

	store, err := pstworker.NewFileStore(viper.GetInt("store_cache_size"))
	if err != nil {
		log.Errorf("Creating store: %s", err)
		os.Exit(exitError)
	}
	if args[0] == "import-statistics" {
		if err := importStatistics(store, args[1], args[2:]); err != nil {
			log.Error(err)
			os.Exit(exitError)
		}
		return
	}
	options := []pstworker.Option{pstworker.WithReadTimeout(viper.GetDuration("worker_read_timeout"))}
	if *hostName != "" {
		options = append(options, pstworker.WithHostName(*hostName))
	}
	worker, err := pstworker.New(store, options...)
	if err != nil {
		log.Error(err)
		os.Exit(exitError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = worker.Connect(ctx, args[1])
	switch {
	case err == nil:
		log.Debugf("Worker on %s done", worker.HostName())
	case errors.Is(err, pstproto.ErrProtocolNotUnderstood):
		log.Errorf("Coordinator at %s speaks a different protocol version", args[1])
		os.Exit(exitNotUnderstood)
	default:
		log.Errorf("Worker on %s failed: %s", worker.HostName(), err)
		os.Exit(exitError)
	}
}
