// smsgate-client talks to a running gateway over its TLS RPC API: it
// sends SMS and USSD codes, prints per modem statistics and queries
// the aggregated health state with Nagios-style exit codes.
package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(host string, port int, caFile, token string) (*client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsCfg.RootCAs = pool
	}
	return &client{
		baseURL: fmt.Sprintf("https://%s/rpc", net.JoinHostPort(host, strconv.Itoa(port))),
		token:   token,
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func (c *client) call(method string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	r, err := c.http.Post(c.baseURL+"/"+method, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		var fault struct {
			Code  int    `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(r.Body).Decode(&fault); err == nil && fault.Error != "" {
			return fmt.Errorf("server fault %d: %s", fault.Code, fault.Error)
		}
		return fmt.Errorf("unexpected HTTP status %s", r.Status)
	}
	if resp == nil {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(resp)
}

func sendSMS(c *client, sender, to, text string) error {
	fmt.Println("+ Sending SMS and waiting for a response ...")
	var resp struct {
		SMSID string `json:"sms_id"`
	}
	err := c.call("send_sms", map[string]string{
		"token":     c.token,
		"sender":    sender,
		"recipient": to,
		"message":   text,
	}, &resp)
	if err != nil {
		return err
	}

	for {
		var status struct {
			Delivered bool `json:"delivered"`
		}
		err := c.call("get_delivery_status", map[string]string{
			"token":  c.token,
			"sms_id": resp.SMSID,
		}, &status)
		if err != nil {
			return err
		}
		if status.Delivered {
			break
		}
		fmt.Println("  Waiting for delivery ...")
		time.Sleep(3 * time.Second)
	}
	fmt.Println("+ SMS was delivered.")
	return nil
}

func sendUSSD(c *client, sender, code string) error {
	fmt.Println("+ Sending USSD message and waiting for a response ...")
	var resp struct {
		Status   string `json:"status"`
		Response string `json:"response"`
	}
	err := c.call("send_ussd", map[string]string{
		"token":     c.token,
		"sender":    sender,
		"ussd_code": code,
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("+ USSD response: %s\n", resp.Response)
	if resp.Status != "OK" {
		return fmt.Errorf("USSD request failed")
	}
	return nil
}

type workerStats struct {
	PhoneNumber        string `json:"phone_number"`
	CurrentNetwork     string `json:"current_network"`
	CurrentSignal      int    `json:"current_signal"`
	Port               string `json:"port"`
	Status             string `json:"status"`
	Balance            string `json:"balance"`
	Currency           string `json:"currency"`
	Sent               int    `json:"sent"`
	Received           int    `json:"received"`
	HealthStateShort   string `json:"health_state_short"`
	HealthStateMessage string `json:"health_state_message"`
	InitCounter        int    `json:"init_counter"`
	LastInit           string `json:"last_init"`
}

func printStats(c *client) error {
	fmt.Println("+ Get status ...")
	var stats map[string]workerStats
	if err := c.call("get_stats", map[string]string{"token": c.token}, &stats); err != nil {
		return err
	}

	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-6s %-15s %-15s %4s %-20s %-9s %3s %3s %5s %-16s %-10s %-25s %s\n",
		"#", "Port", "Phone number", "dB", "Network", "Balance", "Snt", "Rcv", "#Init",
		"Last init", "Health", "Health state message", "Status")
	for _, id := range ids {
		s := stats[id]
		balance := s.Balance
		if balance != "" && s.Currency != "" {
			balance += " " + s.Currency
		}
		fmt.Printf("%-6s %-15s %-15s %4d %-20s %-9s %3d %3d %5d %-16s %-10s %-25s %s\n",
			id, s.Port, s.PhoneNumber, s.CurrentSignal, s.CurrentNetwork, balance,
			s.Sent, s.Received, s.InitCounter, s.LastInit,
			s.HealthStateShort, s.HealthStateMessage, s.Status)
	}
	return nil
}

// checkHealth prints "LEVEL message" and returns the Nagios exit code
// for the level, so the command can back an Icinga/Nagios service
// check directly.
func checkHealth(c *client) int {
	var resp struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	err := c.call("get_health_state", map[string]string{"token": c.token}, &resp)
	if err != nil {
		fmt.Printf("CRITICAL %v\n", err)
		return 2
	}
	fmt.Printf("%s %s\n", resp.Level, resp.Message)
	switch resp.Level {
	case "OK":
		return 0
	case "WARNING":
		return 1
	case "CRITICAL":
		return 2
	}
	return 3
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: smsgate-client [flags] <command> [command flags]\n\n"+
			"Commands:\n"+
			"  send-sms   Send an SMS (--to, --text)\n"+
			"  send-ussd  Send a USSD code (--code)\n"+
			"  stats      Show per modem statistics\n"+
			"  health     Query the aggregated health state (Nagios exit codes)\n\n"+
			"Flags:\n")
	flag.PrintDefaults()
}

func main() {
	var (
		host   = flag.String("host", "localhost", "Hostname of the server API")
		port   = flag.Int("port", 7000, "Port number of the server API")
		caFile = flag.String("ca", "", "CA certificate file for verifying the server")
		token  = flag.String("api-token", "", "API token (prefer environment variable SMSGATE_APITOKEN)")
		sender = flag.String("sender", "", "Phone number selecting the modem that sends")
	)
	flag.Usage = usage
	flag.Parse()

	apiToken := os.Getenv("SMSGATE_APITOKEN")
	if apiToken == "" {
		apiToken = *token
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	c, err := newClient(*host, *port, *caFile, apiToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "send-sms":
		fs := flag.NewFlagSet("send-sms", flag.ExitOnError)
		to := fs.String("to", "", "The recipient")
		text := fs.String("text", "", "The text to send")
		fs.Parse(args)
		if *to == "" || *text == "" {
			fmt.Fprintln(os.Stderr, "send-sms needs --to and --text.")
			os.Exit(2)
		}
		err = sendSMS(c, *sender, *to, *text)
	case "send-ussd":
		fs := flag.NewFlagSet("send-ussd", flag.ExitOnError)
		code := fs.String("code", "", "The USSD code to send")
		fs.Parse(args)
		if *code == "" {
			fmt.Fprintln(os.Stderr, "send-ussd needs --code.")
			os.Exit(2)
		}
		err = sendUSSD(c, *sender, *code)
	case "stats":
		err = printStats(c)
	case "health":
		os.Exit(checkHealth(c))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n", command)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
