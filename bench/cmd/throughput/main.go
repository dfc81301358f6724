// Package main — bench/cmd/throughput/main.go
//
// Message transport throughput measurement tool.
//
// Measures the wall-clock cost of a send_message/receive_message round trip
// through a single in-process Kernel channel, with no fault plan attached.
//
// Method:
//  1. Construct one Kernel, one channel, one registered service.
//  2. In a tight loop: send_message, immediately receive_message.
//  3. Measure each round trip with time.Now() before/after.
//  4. Results are written to a CSV file.
//
// This measures Go call/allocation overhead through the simulated kernel
// facade; it says nothing about the cost of send_message/receive_message in
// a driver built on top of real network transport.
//
// Output CSV columns:
//
//	iteration, latency_ns
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/octokernel/octokernel/internal/ids"
	"github.com/octokernel/octokernel/internal/kernel"
	"github.com/octokernel/octokernel/internal/transport"
)

func main() {
	iterations := flag.Int("iterations", 100000, "Number of send/receive round trips to measure")
	outputFile := flag.String("output", "throughput_raw.csv", "Output CSV file path")
	targetP99Ns := flag.Int64("target-p99-ns", 50000, "p99 round-trip latency target in nanoseconds; exit 1 if exceeded")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_ns"})

	k := kernel.New(zap.NewNop())
	ch := k.CreateChannel(nil)
	svc := ids.ServiceId(1)
	if err := k.RegisterService(svc, ch); err != nil {
		fmt.Fprintf(os.Stderr, "register service: %v\n", err)
		os.Exit(1)
	}

	samples := make([]int64, *iterations)

	for i := 0; i < *iterations; i++ {
		start := time.Now()

		env := transport.Envelope{Action: "ping", Destination: svc}
		if err := k.SendMessage(ch, env); err != nil {
			fmt.Fprintf(os.Stderr, "send at iteration %d: %v\n", i, err)
			os.Exit(1)
		}
		if _, err := k.ReceiveMessage(ch, nil); err != nil {
			fmt.Fprintf(os.Stderr, "receive at iteration %d: %v\n", i, err)
			os.Exit(1)
		}

		latency := time.Since(start).Nanoseconds()
		samples[i] = latency
		_ = w.Write([]string{strconv.Itoa(i), strconv.FormatInt(latency, 10)})
	}

	p50, p95, p99 := computePercentiles(samples)
	throughputPerSec := float64(*iterations) / (float64(sum(samples)) / 1e9)

	fmt.Printf("Message Transport Throughput Results (%d iterations)\n", *iterations)
	fmt.Printf("  Round trips/sec: %.0f\n", throughputPerSec)
	fmt.Printf("  p50: %dns\n", p50)
	fmt.Printf("  p95: %dns\n", p95)
	fmt.Printf("  p99: %dns\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > *targetP99Ns {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dns exceeds %dns target\n", p99, *targetP99Ns)
		os.Exit(1)
	}
}

// computePercentiles sorts a copy of samples (small-to-moderate iteration
// counts; no need for a streaming histogram) and returns p50/p95/p99.
func computePercentiles(samples []int64) (p50, p95, p99 int64) {
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	insertionSort(sorted)

	idx := func(pct float64) int64 {
		if len(sorted) == 0 {
			return 0
		}
		i := int(pct * float64(len(sorted)))
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	return idx(0.50), idx(0.95), idx(0.99)
}

// insertionSort avoids pulling in sort.Slice's reflection overhead; it is
// called once, after all samples are collected, outside the timed loop.
func insertionSort(s []int64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

func sum(samples []int64) int64 {
	var total int64
	for _, s := range samples {
		total += s
	}
	return total
}
