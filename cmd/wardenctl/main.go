// Command wardenctl is the command-line client for the controller.
//
// Usage:
//
//	wardenctl [flags] group.command [param ...]
//
// Exit codes: 0 on success, 1 on a command-level error, 2 on a transport
// error.
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
	"text/tabwriter"
	"time"

	"github.com/tidwall/gjson"

	"github.com/orcharddb/warden/infrastructure/config"
)

const (
	exitOK        = 0
	exitCommand   = 1
	exitTransport = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("wardenctl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		address    = flags.String("address", "", "controller address (host:port)")
		configFile = flags.String("config", "", "configuration file to read the address from")
		async      = flags.Bool("async", false, "do not wait for the command's procedures")
		timeout    = flags.Duration("timeout", 60*time.Second, "request timeout")
	)
	if err := flags.Parse(args); err != nil {
		return exitTransport
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: wardenctl [flags] group.command [param ...]")
		return exitTransport
	}

	method := flags.Arg(0)
	if !strings.Contains(method, ".") {
		fmt.Fprintf(stderr, "wardenctl: command (%s) must be group.command\n", method)
		return exitTransport
	}

	endpoint, err := resolveAddress(*address, *configFile)
	if err != nil {
		fmt.Fprintf(stderr, "wardenctl: %v\n", err)
		return exitTransport
	}

	params := make([]interface{}, 0, flags.NArg())
	for _, arg := range flags.Args()[1:] {
		params = append(params, arg)
	}
	if *async {
		params = append(params, false)
	}

	body, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
	})
	if err != nil {
		fmt.Fprintf(stderr, "wardenctl: %v\n", err)
		return exitTransport
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post("http://"+endpoint+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(stderr, "wardenctl: %v\n", err)
		return exitTransport
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "wardenctl: %v\n", err)
		return exitTransport
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "wardenctl: %s: %s\n", resp.Status, strings.TrimSpace(string(payload)))
		return exitTransport
	}

	return render(payload, stdout, stderr)
}

// resolveAddress picks the controller address from the flag, the
// configuration file, or the built-in default, in that order.
func resolveAddress(address, configFile string) (string, error) {
	if address != "" {
		return address, nil
	}
	if configFile != "" {
		cfg, err := config.Load(configFile, "", nil, false)
		if err != nil {
			return "", err
		}
		return cfg.GetString("protocol.rpc.address"), nil
	}
	return config.New().GetString("protocol.rpc.address"), nil
}

// render prints the enveloped response as tab-separated tables.
func render(payload []byte, stdout, stderr io.Writer) int {
	if msg := gjson.GetBytes(payload, "error"); msg.Exists() && msg.String() != "" {
		fmt.Fprintf(stderr, "error: %s\n", msg.String())
		return exitCommand
	}

	results := gjson.GetBytes(payload, "results")
	for _, set := range results.Array() {
		names := set.Get("names").Array()
		rows := set.Get("rows").Array()
		if len(names) == 0 {
			continue
		}

		w := tabwriter.NewWriter(stdout, 2, 4, 2, ' ', 0)
		header := make([]string, 0, len(names))
		for _, name := range names {
			header = append(header, name.String())
		}
		fmt.Fprintln(w, strings.Join(header, "\t"))
		for _, row := range rows {
			cells := make([]string, 0, len(names))
			for _, cell := range row.Array() {
				cells = append(cells, cell.String())
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		w.Flush()
		fmt.Fprintln(stdout)
	}

	if uuid := gjson.GetBytes(payload, "controller_uuid"); uuid.Exists() {
		fmt.Fprintf(stdout, "controller: %s\n", uuid.String())
	}
	return exitOK
}
