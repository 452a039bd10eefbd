//go:build ignore

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/jannickheisch/tinyISP/client"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <node1_http> <node2_http>\n", os.Args[0])
		os.Exit(1)
	}

	addr1, addr2 := os.Args[1], os.Args[2]

	heads1, err := collectHeads(client.New(addr1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "node1: %v\n", err)
		os.Exit(1)
	}

	heads2, err := collectHeads(client.New(addr2))
	if err != nil {
		fmt.Fprintf(os.Stderr, "node2: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("node1 (%s): %d feeds\n", addr1, len(heads1))
	fmt.Printf("node2 (%s): %d feeds\n", addr2, len(heads2))

	missing1, missing2, behind := compare(heads1, heads2)

	if len(missing1) == 0 && len(missing2) == 0 && len(behind) == 0 {
		fmt.Println("\nfeeds are identical")
		os.Exit(0)
	}

	fmt.Println("\nfeeds differ:")

	report("feeds on node1 but not on node2", missing1)
	report("feeds on node2 but not on node1", missing2)
	report("feeds with a different head", behind)

	os.Exit(1)
}

// head is the last entry of a feed.
type head struct {
	seq uint32
	mid wire.Hash
}

func collectHeads(c *client.Client) (map[string]head, error) {
	feeds, err := c.Feeds()
	if err != nil {
		return nil, err
	}

	heads := make(map[string]head, len(feeds))

	for _, f := range feeds {
		h := head{seq: uint32(f.Len)}

		if f.Len > 0 {
			fid, err := wire.ParseFeedID(f.ID)
			if err != nil {
				return nil, err
			}

			e, err := c.Entry(fid, h.seq)

			var se *client.StatusError
			if errors.As(err, &se) && se.Code == http.StatusConflict {
				// side chain still incomplete, compare by length only
				heads[f.ID] = h
				continue
			}

			if err != nil {
				return nil, fmt.Errorf("feed %s head: %w", f.ID[:16], err)
			}

			h.mid = e.MID
		}

		heads[f.ID] = h
	}

	return heads, nil
}

func compare(h1, h2 map[string]head) (missing1, missing2, different []string) {
	for id, a := range h1 {
		b, ok := h2[id]
		if !ok {
			missing1 = append(missing1, id)
			continue
		}

		if a != b {
			different = append(different, fmt.Sprintf("%s %d vs %d", id[:16], a.seq, b.seq))
		}
	}

	for id := range h2 {
		if _, ok := h1[id]; !ok {
			missing2 = append(missing2, id)
		}
	}

	sort.Strings(missing1)
	sort.Strings(missing2)
	sort.Strings(different)

	return
}

func report(title string, ids []string) {
	if len(ids) == 0 {
		return
	}

	fmt.Printf("  - %s: %d\n", title, len(ids))

	for _, id := range ids {
		if len(id) > 16 && id[16] != ' ' {
			id = id[:16]
		}

		fmt.Printf("      %s\n", id)
	}
}
