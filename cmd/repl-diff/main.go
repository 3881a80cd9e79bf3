// Command repl-diff compares the keyspace and dataset digest of two
// endpoints, typically a master and one of its replicas.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

func main() {
	var refAddr = flag.String("ref", "", "Reference endpoint (host:port), usually the master")
	var sutAddr = flag.String("sut", "", "System under test endpoint (host:port), usually the replica")
	var timeout = flag.Duration("timeout", 5*time.Second, "Timeout for each endpoint")
	var helpFlag = flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *helpFlag || *refAddr == "" || *sutAddr == "" {
		fmt.Println("Replication Comparison Tool")
		fmt.Println("===========================")
		fmt.Println("Usage: repl-diff --ref=host:port --sut=host:port [--timeout=5s]")
		fmt.Println("")
		fmt.Println("Compares INFO keyspace and DEBUG DIGEST of both endpoints.")
		fmt.Println("")
		fmt.Println("Example:")
		fmt.Println("  repl-diff --ref=localhost:6379 --sut=localhost:6380")
		os.Exit(0)
	}

	fmt.Printf("Comparing endpoints:\n")
	fmt.Printf("  Reference: %s\n", *refAddr)
	fmt.Printf("  System:    %s\n", *sutAddr)
	fmt.Println()

	ref, err := fetchSnapshot(*refAddr, *timeout)
	if err != nil {
		log.Fatalf("Failed to query reference %s: %v", *refAddr, err)
	}
	sut, err := fetchSnapshot(*sutAddr, *timeout)
	if err != nil {
		log.Fatalf("Failed to query system %s: %v", *sutAddr, err)
	}

	report := compare(ref, sut)
	for _, line := range report.lines {
		fmt.Println(line)
	}

	fmt.Println()
	if report.differences == 0 {
		fmt.Println("SUCCESS: no differences found")
		return
	}
	fmt.Printf("FAILURE: %d differences found\n", report.differences)
	os.Exit(1)
}

// fetchSnapshot reads INFO keyspace, INFO replication and DEBUG DIGEST
func fetchSnapshot(addr string, timeout time.Duration) (*endpointSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		DialTimeout:     timeout,
		ReadTimeout:     timeout,
		MaxRetries:      1,
	})
	defer client.Close()

	keyspace, err := client.Info(ctx, "keyspace").Result()
	if err != nil {
		return nil, fmt.Errorf("INFO keyspace: %w", err)
	}
	replication, err := client.Info(ctx, "replication").Result()
	if err != nil {
		return nil, fmt.Errorf("INFO replication: %w", err)
	}
	digest, err := client.Do(ctx, "DEBUG", "DIGEST").Text()
	if err != nil {
		return nil, fmt.Errorf("DEBUG DIGEST: %w", err)
	}

	return &endpointSnapshot{
		keyspace: parseKeyspaceInfo(keyspace),
		fields:   parseInfoFields(replication),
		digest:   digest,
	}, nil
}
