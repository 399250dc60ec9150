package main

import (
	"fmt"
	"os"
	"os/signal"
	"ringstore/config"
	"ringstore/storage"
	"ringstore/storage/codec"
	"ringstore/storage/ring"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configFilePath string
	dataDir        string
	records        int
	padding        int
	compression    string
)

type changeRing = ring.Ring[codec.ChangeKey, string]

func openRing(logger log.Logger, registerer prometheus.Registerer) (*changeRing, error) {
	cfg := config.Default()
	if configFilePath != "" {
		var err error
		if cfg, err = config.Load(configFilePath); err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.Dir = dataDir
	}

	var values codec.ValueCodec[string] = codec.String{}
	switch compression {
	case "", "none":
	case "snappy":
		values = codec.Snappy[string]{Inner: values}
	case "zstd":
		values = codec.Zstd[string]{Inner: values}
	default:
		return nil, errors.Wrapf(storage.ErrConfiguration, "unknown compression %q", compression)
	}

	return ring.Open(logger, registerer, cfg, codec.New[codec.ChangeKey, string](codec.ChangeKeys{}, values), codec.CompareChangeKeys)
}

func write(logger log.Logger) error {
	registerer := prometheus.NewRegistry()

	r, err := openRing(logger, registerer)
	if err != nil {
		return err
	}
	defer r.Close()

	next := codec.ChangeKey{ChangeID: 1}
	if last, ok := r.LastKey(); ok {
		next = last
	}

	var done atomic.Bool
	wg := sync.WaitGroup{}

	wg.Add(1)

	go func() {
		defer wg.Done()

		written := 0
		now := time.Now()

		for !done.Load() && (records <= 0 || written < records) {
			next.LogPosition++
			if next.LogPosition%10000 == 0 {
				next.LogIndex++
			}

			if err := r.Put(next, faker.Sentence()+" "+strings.Repeat("x", padding)); err != nil {
				level.Error(logger).Log("msg", "put failed", "err", err)
				return
			}

			written++
		}

		level.Info(logger).Log("msg", "records have been written", "since", time.Since(now), "records", written, "size", r.Size())
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	level.Info(logger).Log("msg", "writer started")

	select {
	case <-sigs:
	case <-finished:
	}

	done.Store(true)
	wg.Wait()

	level.Info(logger).Log("msg", "exiting")

	return nil
}

func inspect(logger log.Logger, out *os.File) error {
	r, err := openRing(logger, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	stats := r.Stats()

	fmt.Fprintf(out, "records: %d\nactive segment: %d\nsparse entries: %d\n", stats.Records, stats.Active, stats.SparseEntries)

	if first, ok := r.FirstKey(); ok {
		last, _ := r.LastKey()
		fmt.Fprintf(out, "first key: %+v\nlast key: %+v\n", first, last)

		loc, err := r.Locate(last)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "last record: segment %d position %d\n", loc.Segment, loc.Position)
	}

	for _, seg := range stats.Segments {
		if seg.Records == 0 {
			continue
		}
		fmt.Fprintf(out, "segment %d: records=%d write_position=%d index_generation=%d\n",
			seg.ID, seg.Records, seg.WritePosition, seg.IndexGeneration)
	}

	if err := r.Verify(); err != nil {
		return err
	}
	fmt.Fprintln(out, "checksums ok")

	return nil
}

func tail(logger log.Logger, out *os.File, n int) error {
	r, err := openRing(logger, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	from, ok := r.LastKey()
	if !ok {
		return nil
	}

	// Collect backwards from the last key, then print in key order.
	value, err := r.Get(from)
	if err != nil {
		return err
	}
	recs := []storage.Record[codec.ChangeKey, string]{{Key: from, Value: value}}

	for len(recs) < n {
		key, value, err := r.Previous(from)
		if err != nil {
			break
		}
		recs = append(recs, storage.Record[codec.ChangeKey, string]{Key: key, Value: value})
		from = key
	}

	for i := len(recs) - 1; i >= 0; i-- {
		fmt.Fprintf(out, "%+v %s\n", recs[i].Key, recs[i].Value)
	}

	return nil
}

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = level.NewFilter(logger, level.AllowInfo())

	root := &cobra.Command{
		Use:          "ringstore",
		Short:        "Append-only ring of memory-mapped segments",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVarP(&dataDir, "dir", "d", "", "segment directory, overrides the configuration")
	root.PersistentFlags().StringVar(&compression, "compression", "none", "value compression: none, snappy or zstd")

	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Append generated change records until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return write(logger)
		},
	}
	writeCmd.Flags().IntVarP(&records, "records", "n", 0, "stop after this many records, 0 runs until interrupted")
	writeCmd.Flags().IntVar(&padding, "padding", 0, "bytes of padding appended to every value")

	var tailCount int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tail(logger, os.Stdout, tailCount)
		},
	}
	tailCmd.Flags().IntVarP(&tailCount, "lines", "n", 10, "number of records to print")

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Recover the store and print its layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(logger, os.Stdout)
		},
	}

	root.AddCommand(writeCmd, inspectCmd, tailCmd)

	if err := root.Execute(); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}
