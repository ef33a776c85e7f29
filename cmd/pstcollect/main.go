// Command pstcollect gathers statistics and metadata from every partition
// of a distributed dataset.
//
//	pstcollect [flags] <descriptor>
//
// The descriptor is a .vds, .gds, .gvds or .ref file, locally or in S3.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bcongdon/partstat"
)

var (
	antennas   = flag.Bool("antennas", true, "Read the antenna table")
	bands      = flag.Bool("bands", false, "Read the band of every partition")
	rows       = flag.Bool("rows", false, "Count the rows of every partition")
	statistics = flag.String("statistics", "", "Write the quality statistics of every partition to this directory (local or S3)")
	downsample = flag.Bool("downsample", false, "Request down-sampled statistics")
	verbose    = flag.BoolP("verbose", "v", false, "Log debug output")
)

func main() {
	flag.String("listen", "", "Address to accept workers on (default: all interfaces on --port)")
	flag.Int("port", 0, "Port to accept workers on")
	flag.String("host", "", "Host name workers connect to (default: this host's name)")
	flag.String("shell", "", "Remote shell used to start workers, or \"local\"")
	flag.String("worker", "", "Path of the worker binary on the remote hosts")
	flag.Parse()

	partstat.LoadConfig()
	for key, name := range map[string]string{
		"listen_address":   "listen",
		"port":             "port",
		"coordinator_host": "host",
		"remote_shell":     "shell",
		"worker_binary":    "worker",
	} {
		viper.BindPFlag(key, flag.Lookup(name))
	}
	if *verbose || viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <descriptor>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	descriptor := flag.Arg(0)
	if !partstat.IsDistributedDescriptor(descriptor) {
		log.Fatalf("%s is not a distributed dataset descriptor", descriptor)
	}

	partitions, err := partstat.ParsePartitions(descriptor)
	if err != nil {
		log.Fatal(err)
	}

	coordinator := partstat.NewCoordinator(partitions)
	if *antennas {
		coordinator.PushTask(partstat.Task{Kind: partstat.ReadAntennasTask})
	}
	var writer *partstat.StatisticsDirectory
	if *statistics != "" {
		writer, err = partstat.NewStatisticsDirectory(*statistics)
		if err != nil {
			log.Fatal(err)
		}
		task := partstat.Task{Kind: partstat.ReadQualityStatisticsTask, Statistics: writer}
		if *downsample {
			task.Flags = partstat.DownsampleFlag
		}
		coordinator.PushTask(task)
	}
	if *bands {
		coordinator.PushTask(partstat.Task{Kind: partstat.ReadBandTask})
	}
	if *rows {
		coordinator.PushTask(partstat.Task{Kind: partstat.CountRowsTask})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	runErr := coordinator.Run(ctx)
	fmt.Printf("Processed %d partitions in %s\n", len(partitions.Items), time.Since(start))

	printResults(coordinator, partitions)
	if writer != nil {
		fmt.Printf("Wrote %s of statistics to %s\n", humanize.Bytes(writer.BytesWritten()), *statistics)
	}

	errs := coordinator.Errors()
	if len(errs) > 0 {
		fmt.Println("Errors:")
		for _, msg := range errs {
			fmt.Printf("  %s\n", msg)
		}
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}

func printResults(c *partstat.Coordinator, partitions *partstat.PartitionSet) {
	if *antennas {
		list := c.Antennas()
		fmt.Printf("%d antennas\n", len(list))
		for _, a := range list {
			fmt.Printf("  %-12s %-8s %6.1fm (%.1f, %.1f, %.1f)\n", a.Name, a.Station, a.Diameter, a.Position[0], a.Position[1], a.Position[2])
		}
	}

	bandInfo := c.Bands()
	rowCounts := c.RowCounts()
	if !*bands && !*rows {
		return
	}
	for _, item := range partitions.Items {
		line := fmt.Sprintf("%4d %-10s %s", item.Index, item.Host.ShortName, item.LocalPath)
		if band, ok := bandInfo[item.Index]; ok {
			line += fmt.Sprintf("  %d channels @ %s", len(band.Channels), humanize.SI(band.CenterFrequency(), "Hz"))
		}
		if n, ok := rowCounts[item.Index]; ok {
			line += fmt.Sprintf("  %s rows", humanize.Comma(int64(n)))
		}
		fmt.Println(line)
	}
}
