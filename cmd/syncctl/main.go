// syncctl is a small operator CLI over the daemon's HTTP API.
//
//	syncctl -addr http://localhost:8080 sync            # bulk sync
//	syncctl sync <connection-id>                        # one connection
//	syncctl connections                                 # list connections
//	syncctl test <connection-id>                        # probe a connection
//	syncctl job <job-id>                                # job status
//	syncctl cancel <job-id>                             # cancel a job
//	syncctl history [connection-id]                     # recent sync runs
//	syncctl status                                      # daemon status
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	var addr string
	flag.StringVar(&addr, "addr", "http://localhost:8080", "daemon API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: syncctl [-addr URL] <sync|connections|test|job|cancel|history|status> [args]")
		os.Exit(2)
	}

	c := &client{base: strings.TrimSuffix(addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "sync":
		if len(rest) == 0 {
			err = c.call(http.MethodPost, "/sync", nil)
		} else {
			err = c.call(http.MethodPost, "/sync/connection/"+rest[0], nil)
		}
	case "connections":
		err = c.call(http.MethodGet, "/connections", nil)
	case "test":
		if len(rest) == 0 {
			err = fmt.Errorf("test requires a connection id")
		} else {
			err = c.call(http.MethodPost, "/connections/"+rest[0]+"/test", nil)
		}
	case "job":
		if len(rest) == 0 {
			err = fmt.Errorf("job requires a job id")
		} else {
			err = c.call(http.MethodGet, "/job/"+rest[0], nil)
		}
	case "cancel":
		if len(rest) == 0 {
			err = fmt.Errorf("cancel requires a job id")
		} else {
			err = c.call(http.MethodPost, "/job/"+rest[0]+"/cancel", nil)
		}
	case "history":
		path := "/history"
		if len(rest) > 0 {
			path += "?connection_id=" + rest[0]
		}
		err = c.call(http.MethodGet, path, nil)
	case "status":
		err = c.call(http.MethodGet, "/status", nil)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "syncctl:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

// call performs the request and pretty-prints the JSON response. Non-2xx
// responses are printed too but exit non-zero.
func (c *client) call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if len(raw) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, raw, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(raw))
		}
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
