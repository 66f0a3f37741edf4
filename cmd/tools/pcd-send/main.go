// Command pcd-send replays PCD files into a running accumulator as batch
// datagrams, one batch per file, stamped with the send time.
//
//	pcd-send -addr 127.0.0.1:2370 -frame velodyne scan1.pcd scan2.pcd
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/mapaccum/internal/lidar/export"
	"github.com/banshee-data/mapaccum/internal/lidar/network"
)

var (
	addr     = flag.String("addr", "127.0.0.1:2370", "UDP address of the accumulator")
	frame    = flag.String("frame", "", "Frame id the points are expressed in (required)")
	interval = flag.Duration("interval", 0, "Pause between files")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] file.pcd...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 || *frame == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := runSend(os.Stdout, flag.Args()); err != nil {
		log.Fatalf("pcd-send: %v", err)
	}
}

func runSend(w io.Writer, paths []string) error {
	sender, err := network.DialSender(*addr)
	if err != nil {
		return err
	}
	defer sender.Close()

	for i, path := range paths {
		if i > 0 && *interval > 0 {
			time.Sleep(*interval)
		}
		cloud, _, err := export.ReadPCDFile(path)
		if err != nil {
			return err
		}
		cloud.FrameID = *frame
		cloud.Timestamp = time.Now()
		n, err := sender.Send(cloud)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(w, "%s: sent %d points in %d datagrams\n", path, cloud.Len(), n)
	}
	return nil
}
