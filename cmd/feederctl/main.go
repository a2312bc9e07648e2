// Command feederctl is a small operator CLI for a running feeder: it
// requests feeds, reads back committed entries and prints sync status
// over the daemon's TCP protocol.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/leonardcser/cache-feeder/internal/server"
)

var (
	addr     = flag.String("addr", envString("CACHE_FEEDER_ADDR", "127.0.0.1:3000"), "address of the feeder daemon")
	priority = flag.Int("priority", 0, "admission priority for feed requests")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [flags] <command> [args]

commands:
  feed <key>...   request a refresh of keys and wait for the outcomes
  get <key>       print the committed payload for a key
  status          print sync watermarks and engine gauges
`, os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	if err := probe(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "no feeder at %s: %v\n", *addr, err)
		os.Exit(1)
	}
	c := server.NewClient(*addr)

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "feed":
		err = runFeed(c, args)
	case "get":
		err = runGet(c, args)
	case "status":
		err = runStatus(c)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFeed(c *server.Client, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("feed: at least one key required")
	}
	outs, err := c.Feed(keys, *priority)
	if err != nil {
		return err
	}
	failed := 0
	for _, o := range outs {
		if o.OK {
			fmt.Printf("%s\tcommitted v%d\n", o.Key, o.Token)
			continue
		}
		failed++
		fmt.Printf("%s\t%s: %s\n", o.Key, o.Kind, o.Error)
	}
	if failed > 0 {
		return fmt.Errorf("feed: %d of %d keys failed", failed, len(outs))
	}
	return nil
}

func runGet(c *server.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get: exactly one key required")
	}
	value, token, err := c.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s\tv%d\t%d bytes\n", args[0], token, len(value))
	_, err = os.Stdout.Write(append(value, '\n'))
	return err
}

func runStatus(c *server.Client) error {
	st, err := c.Status()
	if err != nil {
		return err
	}
	for ks, n := range st.Watermarks {
		fmt.Printf("watermark %s\t%d\n", ks, n)
	}
	fmt.Printf("admitted\t%d\nqueued\t%d\nin flight\t%d\nin backoff\t%d\n",
		st.Engine.Admitted, st.Engine.Queued, st.Engine.InFlight, st.Engine.Backoff)
	return nil
}

// probe checks that something is listening before a command commits to
// a full request.
func probe(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return err
	}
	return conn.Close()
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
